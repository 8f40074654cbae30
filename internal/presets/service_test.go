package presets

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestServiceCRUD(t *testing.T) {
	ctx := context.Background()
	svc := NewService()

	created, err := svc.Create(ctx, Preset{
		Owner:   "ana",
		Project: "analisis_atenciones",
		Name:    "  Norte abiertos ",
		Filters: map[string]string{"sede": "Norte", " estado ": "Abierto"},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if created.ID == "" || created.Name != "Norte abiertos" {
		t.Fatalf("unexpected created preset: %+v", created)
	}
	if created.Filters["estado"] != "Abierto" {
		t.Fatalf("expected trimmed filter key, got %+v", created.Filters)
	}

	got, err := svc.Get(ctx, "ana", created.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	got.Filters["sede"] = "mutated"
	again, _ := svc.Get(ctx, "ana", created.ID)
	if again.Filters["sede"] != "Norte" {
		t.Fatal("Get() must return a copy")
	}

	updated, err := svc.Update(ctx, "ana", created.ID, Preset{
		Project: "ignored",
		Name:    "Solo Norte",
		Filters: map[string]string{"sede": "Norte"},
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if updated.Name != "Solo Norte" || updated.Project != "analisis_atenciones" || len(updated.Filters) != 1 {
		t.Fatalf("unexpected updated preset: %+v", updated)
	}

	if err := svc.Delete(ctx, "ana", created.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := svc.Get(ctx, "ana", created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOwnerIsolation(t *testing.T) {
	ctx := context.Background()
	svc := NewService()

	mine, err := svc.Create(ctx, Preset{Owner: "ana", Project: "p1", Name: "a"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := svc.Create(ctx, Preset{Owner: "luis", Project: "p1", Name: "b"}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if _, err := svc.Get(ctx, "luis", mine.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other owner, got %v", err)
	}
	if _, err := svc.Update(ctx, "luis", mine.ID, Preset{Name: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on foreign update, got %v", err)
	}
	if err := svc.Delete(ctx, "luis", mine.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on foreign delete, got %v", err)
	}

	list, err := svc.List(ctx, "ana", "p1")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 1 || list[0].ID != mine.ID {
		t.Fatalf("expected only ana's preset, got %+v", list)
	}
	if list, _ := svc.List(ctx, "ana", "p2"); len(list) != 0 {
		t.Fatalf("expected no presets for p2, got %d", len(list))
	}
}

func TestListOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	svc := NewService()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	svc.nowFunc = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	for _, name := range []string{"first", "second", "third"} {
		if _, err := svc.Create(ctx, Preset{Owner: "ana", Project: "p1", Name: name}); err != nil {
			t.Fatalf("Create(%s) error: %v", name, err)
		}
	}
	list, _ := svc.List(ctx, "ana", "")
	if len(list) != 3 || list[0].Name != "first" || list[2].Name != "third" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewService()

	tooMany := make(map[string]string)
	for i := 0; i <= maxFilters; i++ {
		tooMany[strings.Repeat("k", i+1)] = "v"
	}

	cases := []Preset{
		{Owner: "ana", Project: "p1"},
		{Owner: "ana", Name: "x"},
		{Project: "p1", Name: "x"},
		{Owner: "ana", Project: "p1", Name: strings.Repeat("n", maxNameLength+1)},
		{Owner: "ana", Project: "p1", Name: "x", Filters: map[string]string{" ": "v"}},
		{Owner: "ana", Project: "p1", Name: "x", Filters: tooMany},
	}
	for i, p := range cases {
		if _, err := svc.Create(ctx, p); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestServicePersistsToFile(t *testing.T) {
	ctx := context.Background()
	stateFile := filepath.Join(t.TempDir(), "presets", "presets.json")

	svc, err := NewServiceWithFile(stateFile)
	if err != nil {
		t.Fatalf("NewServiceWithFile() error: %v", err)
	}
	created, err := svc.Create(ctx, Preset{
		Owner:   "analista",
		Project: "conflicto_armado",
		Name:    "Intraurbano 2025",
		Filters: map[string]string{"origin": "INTRAURBANO", "year": "2025"},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	raw, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	var presets []Preset
	if err := json.Unmarshal(raw, &presets); err != nil {
		t.Fatalf("decode state file: %v", err)
	}
	if len(presets) != 1 || presets[0].ID != created.ID {
		t.Fatalf("expected one persisted preset with id %s", created.ID)
	}

	svc2, err := NewServiceWithFile(stateFile)
	if err != nil {
		t.Fatalf("NewServiceWithFile() reload error: %v", err)
	}
	got, err := svc2.Get(ctx, "analista", created.ID)
	if err != nil {
		t.Fatalf("Get() from reloaded service error: %v", err)
	}
	if got.Filters["year"] != "2025" {
		t.Fatalf("expected persisted filters, got %+v", got.Filters)
	}
}

func TestServiceRejectsCorruptFile(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "presets.json")
	if err := os.WriteFile(stateFile, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write state file: %v", err)
	}
	if _, err := NewServiceWithFile(stateFile); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := NewServiceWithFile("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
