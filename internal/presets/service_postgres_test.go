package presets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var presetCols = []string{"id", "owner", "project", "name", "filters", "created_at", "modified_at"}

func newPGService(t *testing.T) (*PGService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	svc, err := NewPGService(db)
	if err != nil {
		t.Fatalf("NewPGService() error: %v", err)
	}
	svc.nowFunc = func() time.Time { return time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC) }
	return svc, mock
}

func TestNewPGServiceRequiresDB(t *testing.T) {
	if _, err := NewPGService(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestPGServiceCreate(t *testing.T) {
	svc, mock := newPGService(t)

	mock.ExpectExec("INSERT INTO filter_presets").
		WithArgs(sqlmock.AnyArg(), "ana", "p1", "Norte", []byte(`{"sede":"Norte"}`), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	p, err := svc.Create(context.Background(), Preset{
		Owner:   "ana",
		Project: "p1",
		Name:    "Norte",
		Filters: map[string]string{"sede": "Norte"},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if p.ID == "" {
		t.Fatal("expected generated id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPGServiceListAndGet(t *testing.T) {
	svc, mock := newPGService(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM filter_presets").
		WithArgs("ana", "p1").
		WillReturnRows(sqlmock.NewRows(presetCols).
			AddRow("id-1", "ana", "p1", "Norte", []byte(`{"sede":"Norte"}`), created, created))

	list, err := svc.List(context.Background(), "ana", "p1")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 1 || list[0].Filters["sede"] != "Norte" {
		t.Fatalf("unexpected list: %+v", list)
	}

	mock.ExpectQuery("SELECT (.+) FROM filter_presets").
		WithArgs("id-9", "luis").
		WillReturnRows(sqlmock.NewRows(presetCols))
	if _, err := svc.Get(context.Background(), "luis", "id-9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPGServiceUpdate(t *testing.T) {
	svc, mock := newPGService(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM filter_presets").
		WithArgs("id-1", "ana").
		WillReturnRows(sqlmock.NewRows(presetCols).
			AddRow("id-1", "ana", "p1", "Norte", []byte(`{}`), created, created))
	mock.ExpectExec("UPDATE filter_presets").
		WithArgs("id-1", "ana", "Sur", []byte(`{"sede":"Sur"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p, err := svc.Update(context.Background(), "ana", "id-1", Preset{Name: "Sur", Filters: map[string]string{"sede": "Sur"}})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if p.Name != "Sur" || p.Project != "p1" || !p.CreatedAt.Equal(created) {
		t.Fatalf("unexpected updated preset: %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPGServiceDelete(t *testing.T) {
	svc, mock := newPGService(t)

	mock.ExpectExec("DELETE FROM filter_presets").
		WithArgs("id-1", "luis").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := svc.Delete(context.Background(), "luis", "id-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectExec("DELETE FROM filter_presets").
		WithArgs("id-1", "ana").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := svc.Delete(context.Background(), "ana", "id-1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}
