// Package presets stores per-user saved filter selections.
package presets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"analyticsvr/dashboard/internal/filex"
)

var (
	ErrNotFound     = errors.New("preset not found")
	ErrInvalidInput = errors.New("invalid preset input")
)

const (
	maxNameLength = 80
	maxFilters    = 20
)

// Store is implemented by the file and Postgres backends. Every lookup is
// scoped to an owner; another owner's preset is reported as ErrNotFound.
type Store interface {
	Create(ctx context.Context, p Preset) (Preset, error)
	List(ctx context.Context, owner, project string) ([]Preset, error)
	Get(ctx context.Context, owner, id string) (Preset, error)
	Update(ctx context.Context, owner, id string, p Preset) (Preset, error)
	Delete(ctx context.Context, owner, id string) error
}

type Service struct {
	nowFunc   func() time.Time
	stateFile string

	mu      sync.RWMutex
	presets map[string]Preset
}

// NewService keeps presets in memory only.
func NewService() *Service {
	return &Service{
		nowFunc: time.Now,
		presets: make(map[string]Preset),
	}
}

func NewServiceWithFile(stateFile string) (*Service, error) {
	s := &Service{
		nowFunc:   time.Now,
		stateFile: strings.TrimSpace(stateFile),
		presets:   make(map[string]Preset),
	}
	if s.stateFile == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Create(_ context.Context, p Preset) (Preset, error) {
	p, err := normalize(p)
	if err != nil {
		return Preset{}, err
	}
	if p.Owner == "" {
		return Preset{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}

	now := s.nowFunc().UTC()
	p.ID = uuid.NewString()
	p.CreatedAt = now
	p.ModifiedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.presets[p.ID] = p.Clone()
	if err := s.persistLocked(); err != nil {
		delete(s.presets, p.ID)
		return Preset{}, err
	}
	return p, nil
}

// List returns the owner's presets for project, oldest first. An empty
// project lists every project.
func (s *Service) List(_ context.Context, owner, project string) ([]Preset, error) {
	s.mu.RLock()
	out := make([]Preset, 0)
	for _, p := range s.presets {
		if p.Owner != owner || (project != "" && p.Project != project) {
			continue
		}
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()

	sortPresets(out)
	return out, nil
}

func (s *Service) Get(_ context.Context, owner, id string) (Preset, error) {
	s.mu.RLock()
	p, ok := s.presets[id]
	s.mu.RUnlock()
	if !ok || p.Owner != owner {
		return Preset{}, ErrNotFound
	}
	return p.Clone(), nil
}

// Update replaces name and filters. Owner and project never change.
func (s *Service) Update(_ context.Context, owner, id string, p Preset) (Preset, error) {
	existing, err := s.lookup(owner, id)
	if err != nil {
		return Preset{}, err
	}
	p.Project = existing.Project
	p, err = normalize(p)
	if err != nil {
		return Preset{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.presets[id]
	if !ok || prev.Owner != owner {
		return Preset{}, ErrNotFound
	}
	updated := prev.Clone()
	updated.Name = p.Name
	updated.Filters = p.Filters
	updated.ModifiedAt = s.nowFunc().UTC()
	s.presets[id] = updated
	if err := s.persistLocked(); err != nil {
		s.presets[id] = prev
		return Preset{}, err
	}
	return updated.Clone(), nil
}

func (s *Service) Delete(_ context.Context, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.presets[id]
	if !ok || prev.Owner != owner {
		return ErrNotFound
	}
	delete(s.presets, id)
	if err := s.persistLocked(); err != nil {
		s.presets[id] = prev
		return err
	}
	return nil
}

func (s *Service) lookup(owner, id string) (Preset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presets[id]
	if !ok || p.Owner != owner {
		return Preset{}, ErrNotFound
	}
	return p, nil
}

func (s *Service) loadState() error {
	b, err := os.ReadFile(s.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read preset state: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	var decoded []Preset
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fmt.Errorf("decode preset state: %w", err)
	}
	for _, p := range decoded {
		if p.ID == "" {
			continue
		}
		s.presets[p.ID] = p.Clone()
	}
	return nil
}

func (s *Service) persistLocked() error {
	if s.stateFile == "" {
		return nil
	}
	out := make([]Preset, 0, len(s.presets))
	for _, p := range s.presets {
		out = append(out, p)
	}
	sortPresets(out)

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode preset state: %w", err)
	}
	if err := filex.WriteAtomic(s.stateFile, b, 0o644); err != nil {
		return fmt.Errorf("write preset state: %w", err)
	}
	return nil
}

func sortPresets(ps []Preset) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].Name < ps[j].Name
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

// normalize trims and validates the caller-supplied fields.
func normalize(p Preset) (Preset, error) {
	p.Owner = strings.TrimSpace(p.Owner)
	p.Project = strings.TrimSpace(p.Project)
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Preset{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(p.Name) > maxNameLength {
		return Preset{}, fmt.Errorf("%w: name must be at most %d characters", ErrInvalidInput, maxNameLength)
	}
	if p.Project == "" {
		return Preset{}, fmt.Errorf("%w: project is required", ErrInvalidInput)
	}
	if len(p.Filters) > maxFilters {
		return Preset{}, fmt.Errorf("%w: at most %d filters", ErrInvalidInput, maxFilters)
	}
	filters := make(map[string]string, len(p.Filters))
	for k, v := range p.Filters {
		k = strings.TrimSpace(k)
		if k == "" {
			return Preset{}, fmt.Errorf("%w: filter name is required", ErrInvalidInput)
		}
		filters[k] = strings.TrimSpace(v)
	}
	p.Filters = filters
	return p, nil
}

var (
	_ Store = (*Service)(nil)
	_ Store = (*PGService)(nil)
)
