package presets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PGService expects the filter_presets table created by the migrations package.
type PGService struct {
	db      *sql.DB
	nowFunc func() time.Time
}

func NewPGService(db *sql.DB) (*PGService, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &PGService{db: db, nowFunc: time.Now}, nil
}

const presetColumns = `id, owner, project, name, filters, created_at, modified_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPreset(row scanner) (Preset, error) {
	var p Preset
	var filters []byte
	if err := row.Scan(&p.ID, &p.Owner, &p.Project, &p.Name, &filters, &p.CreatedAt, &p.ModifiedAt); err != nil {
		return Preset{}, err
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &p.Filters); err != nil {
			return Preset{}, fmt.Errorf("decode preset filters: %w", err)
		}
	}
	return p, nil
}

func (s *PGService) Create(ctx context.Context, p Preset) (Preset, error) {
	p, err := normalize(p)
	if err != nil {
		return Preset{}, err
	}
	if p.Owner == "" {
		return Preset{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	filters, err := json.Marshal(p.Filters)
	if err != nil {
		return Preset{}, fmt.Errorf("encode preset filters: %w", err)
	}

	now := s.nowFunc().UTC()
	p.ID = uuid.NewString()
	p.CreatedAt = now
	p.ModifiedAt = now

	const q = `
INSERT INTO filter_presets (` + presetColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.db.ExecContext(ctx, q, p.ID, p.Owner, p.Project, p.Name, filters, p.CreatedAt, p.ModifiedAt); err != nil {
		return Preset{}, fmt.Errorf("insert preset: %w", err)
	}
	return p, nil
}

func (s *PGService) List(ctx context.Context, owner, project string) ([]Preset, error) {
	const q = `
SELECT ` + presetColumns + `
FROM filter_presets
WHERE owner = $1 AND ($2 = '' OR project = $2)
ORDER BY created_at ASC, name ASC`
	rows, err := s.db.QueryContext(ctx, q, owner, project)
	if err != nil {
		return nil, fmt.Errorf("query presets: %w", err)
	}
	defer rows.Close()

	out := make([]Preset, 0)
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preset: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presets: %w", err)
	}
	return out, nil
}

func (s *PGService) Get(ctx context.Context, owner, id string) (Preset, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Preset{}, ErrNotFound
	}
	const q = `
SELECT ` + presetColumns + `
FROM filter_presets
WHERE id = $1 AND owner = $2`
	p, err := scanPreset(s.db.QueryRowContext(ctx, q, id, owner))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Preset{}, ErrNotFound
		}
		return Preset{}, fmt.Errorf("get preset: %w", err)
	}
	return p, nil
}

func (s *PGService) Update(ctx context.Context, owner, id string, p Preset) (Preset, error) {
	existing, err := s.Get(ctx, owner, id)
	if err != nil {
		return Preset{}, err
	}
	p.Project = existing.Project
	p, err = normalize(p)
	if err != nil {
		return Preset{}, err
	}
	filters, err := json.Marshal(p.Filters)
	if err != nil {
		return Preset{}, fmt.Errorf("encode preset filters: %w", err)
	}

	now := s.nowFunc().UTC()
	const q = `
UPDATE filter_presets
SET name = $3,
	filters = $4,
	modified_at = $5
WHERE id = $1 AND owner = $2`
	res, err := s.db.ExecContext(ctx, q, existing.ID, owner, p.Name, filters, now)
	if err != nil {
		return Preset{}, fmt.Errorf("update preset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Preset{}, fmt.Errorf("read update affected rows: %w", err)
	}
	if affected == 0 {
		return Preset{}, ErrNotFound
	}

	existing.Name = p.Name
	existing.Filters = p.Filters
	existing.ModifiedAt = now
	return existing, nil
}

func (s *PGService) Delete(ctx context.Context, owner, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM filter_presets WHERE id = $1 AND owner = $2`, id, owner)
	if err != nil {
		return fmt.Errorf("delete preset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read delete affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
