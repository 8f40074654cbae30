// Package report turns a project's dataset into the filters, indicators and
// tables the dashboard front end renders, and into Excel workbooks.
package report

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"analyticsvr/dashboard/internal/catalog"
	"analyticsvr/dashboard/internal/dataset"
)

var ErrNoDashboard = errors.New("dashboard not available")

// Data is the part of the dataset loader dashboards read from.
type Data interface {
	Frame(ctx context.Context, location string) (*dataset.Frame, error)
	Victims(ctx context.Context, location string) ([]dataset.Victim, error)
	Attentions(ctx context.Context, location string) ([]dataset.Attention, error)
}

// Query holds the filter selections of one request, keyed by filter name.
type Query map[string]string

func (q Query) Get(name string) string {
	if q == nil {
		return ""
	}
	return strings.TrimSpace(q[name])
}

type Filter struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Options  []string `json:"options"`
	Selected string   `json:"selected"`
}

type KPI struct {
	Label string `json:"label"`
	Value any    `json:"value"`
	Hint  string `json:"hint,omitempty"`
}

// Table is a named grid of cells; cells are strings, ints or float64.
type Table struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

type Tab struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	KPIs   []KPI   `json:"kpis,omitempty"`
	Tables []Table `json:"tables"`
}

type Report struct {
	Project string            `json:"project"`
	Title   string            `json:"title"`
	Kind    string            `json:"kind"`
	Filters []Filter          `json:"filters"`
	Labels  map[string]string `json:"labels,omitempty"`
	Summary []KPI             `json:"summary"`
	Tabs    []Tab             `json:"tabs"`
	Footer  []KPI             `json:"footer,omitempty"`
}

// Dashboard renders one kind of project.
type Dashboard interface {
	Build(ctx context.Context, p catalog.Project, q Query) (*Report, error)
	// Export returns the tables written to the downloadable workbook.
	Export(ctx context.Context, p catalog.Project, q Query) ([]Table, error)
}

// Registry maps project kinds to dashboards. It is filled at startup.
type Registry struct {
	mu         sync.RWMutex
	dashboards map[string]Dashboard
}

func NewRegistry() *Registry {
	return &Registry{dashboards: make(map[string]Dashboard)}
}

// DefaultRegistry registers the built-in dashboards.
func DefaultRegistry(data Data) *Registry {
	r := NewRegistry()
	r.Register(catalog.KindVictims, NewVictimsDashboard(data))
	r.Register(catalog.KindAttentions, NewAttentionsDashboard(data))
	return r
}

func (r *Registry) Register(kind string, d Dashboard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dashboards[kind] = d
}

func (r *Registry) Lookup(kind string) (Dashboard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dashboards[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDashboard, kind)
	}
	return d, nil
}

func (r *Registry) Has(kind string) bool {
	_, err := r.Lookup(kind)
	return err == nil
}

// counter counts occurrences per key and remembers first-seen order so ties
// sort deterministically.
type counter struct {
	counts map[string]int
	order  []string
}

func newCounter() *counter {
	return &counter{counts: make(map[string]int)}
}

func (c *counter) add(key string, n int) {
	if _, ok := c.counts[key]; !ok {
		c.order = append(c.order, key)
	}
	c.counts[key] += n
}

type pair struct {
	Key   string
	Count int
}

// top returns the n largest keys, descending; n <= 0 returns all.
func (c *counter) top(n int) []pair {
	out := make([]pair, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, pair{Key: k, Count: c.counts[k]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

type set map[string]struct{}

func (s set) add(v string) {
	if v != "" {
		s[v] = struct{}{}
	}
}

func sortedKeys(s set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func round(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return round(float64(part)/float64(total)*100, 1)
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// isAll reports whether a filter selection means "no filter".
func isAll(v string) bool {
	switch upper(v) {
	case "", "TODAS", "TODOS", "ALL":
		return true
	}
	return false
}
