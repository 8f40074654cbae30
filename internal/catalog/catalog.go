// Package catalog describes the projects (data domains) the dashboard can open
// and decides which of them a user may see.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"analyticsvr/dashboard/internal/auth"
)

var ErrUnknownProject = errors.New("unknown project")

const (
	DefaultColor            = "#2563eb"
	DefaultDiscoveryPattern = "**/*.csv"

	KindVictims    = "victims"
	KindAttentions = "attentions"
)

type Project struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Color       string `yaml:"color" json:"color"`
	DataFile    string `yaml:"data_file" json:"-"`
	Kind        string `yaml:"kind" json:"kind"`
	Synthesized bool   `yaml:"-" json:"synthesized,omitempty"`
}

type fileFormat struct {
	Projects []Project `yaml:"projects"`
}

// Catalog is an ordered, immutable set of projects.
type Catalog struct {
	projects []Project
	index    map[string]int
}

// New validates the projects and keeps them in the given order.
func New(projects ...Project) (*Catalog, error) {
	c := &Catalog{index: make(map[string]int, len(projects))}
	for _, p := range projects {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("project id is required")
		}
		if _, dup := c.index[p.ID]; dup {
			return nil, fmt.Errorf("duplicate project id %q", p.ID)
		}
		if p.Name == "" {
			p.Name = TitleFromID(p.ID)
		}
		if p.Color == "" {
			p.Color = DefaultColor
		}
		if p.Kind == "" {
			p.Kind = p.ID
		}
		c.index[p.ID] = len(c.projects)
		c.projects = append(c.projects, p)
	}
	return c, nil
}

func (c *Catalog) All() []Project {
	return append([]Project(nil), c.projects...)
}

func (c *Catalog) Get(id string) (Project, error) {
	i, ok := c.index[id]
	if !ok {
		return Project{}, fmt.Errorf("%w: %s", ErrUnknownProject, id)
	}
	return c.projects[i], nil
}

func (c *Catalog) Len() int { return len(c.projects) }

// Visible returns the projects perms allows, in catalog order. Permitted ids
// that are not in the catalog are ignored.
func Visible(perms auth.Permissions, projects []Project) []Project {
	if perms.All {
		return append([]Project(nil), projects...)
	}
	out := make([]Project, 0, len(projects))
	for _, p := range projects {
		if perms.Allows(p.ID) {
			out = append(out, p)
		}
	}
	return out
}

// Defaults is the catalog used when no catalog file is configured.
func Defaults(dataDir string) []Project {
	return []Project{
		{
			ID:          "conflicto_armado",
			Name:        "Conflicto Armado",
			Description: "Víctimas del conflicto armado y desplazamiento forzado",
			Color:       "#dc2626",
			DataFile:    filepath.Join(dataDir, "conflicto_armado.csv"),
			Kind:        KindVictims,
		},
		{
			ID:          "analisis_atenciones",
			Name:        "Análisis de Atenciones",
			Description: "Productividad y tiempos de atención por sede y funcionario",
			Color:       "#0891b2",
			DataFile:    filepath.Join(dataDir, "analisis_atenciones.csv"),
			Kind:        KindAttentions,
		},
	}
}

// Synthesize builds the entry for a discovered identifier with no explicit metadata.
func Synthesize(id, dataDir string) Project {
	return Project{
		ID:          id,
		Name:        TitleFromID(id),
		Description: "",
		Color:       DefaultColor,
		DataFile:    filepath.Join(dataDir, id+".csv"),
		Kind:        id,
		Synthesized: true,
	}
}

// TitleFromID turns "conflicto_armado" into "Conflicto Armado".
func TitleFromID(id string) string {
	words := strings.FieldsFunc(id, func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
	// Casers carry state and must not be shared between goroutines.
	return cases.Title(language.Spanish).String(strings.Join(words, " "))
}

type Options struct {
	File     string
	DataDir  string
	Pattern  string
	Logger   *slog.Logger
	Discover bool
}

// Load reads the catalog file (or the defaults when it is absent) and appends
// a synthesized project for every discovered data file that no listed project
// already claims by id or by path.
func Load(opts Options) (*Catalog, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	projects, err := readFile(opts.File, opts.DataDir)
	if err != nil {
		return nil, err
	}
	if projects == nil {
		projects = Defaults(opts.DataDir)
	}

	if opts.Discover && opts.DataDir != "" {
		known := make(map[string]struct{}, len(projects))
		files := make(map[string]struct{}, len(projects))
		for _, p := range projects {
			known[p.ID] = struct{}{}
			files[filepath.Clean(p.DataFile)] = struct{}{}
		}
		found, err := Discover(opts.DataDir, opts.Pattern)
		if err != nil {
			opts.Logger.Warn("project discovery failed", "dir", opts.DataDir, "error", err)
		}
		for _, d := range found {
			if _, ok := known[d.ID]; ok {
				continue
			}
			if _, ok := files[filepath.Clean(d.Path)]; ok {
				continue
			}
			p := Synthesize(d.ID, opts.DataDir)
			p.DataFile = d.Path
			projects = append(projects, p)
			known[d.ID] = struct{}{}
			opts.Logger.Debug("project discovered", "id", d.ID, "path", d.Path)
		}
	}

	return New(projects...)
}

func readFile(file, dataDir string) ([]Project, error) {
	file = strings.TrimSpace(file)
	if file == "" {
		return nil, nil
	}
	b, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	for i := range f.Projects {
		p := &f.Projects[i]
		if p.DataFile == "" {
			p.DataFile = strings.TrimSpace(p.ID) + ".csv"
		}
		if !strings.Contains(p.DataFile, "://") && !filepath.IsAbs(p.DataFile) && dataDir != "" {
			p.DataFile = filepath.Join(dataDir, p.DataFile)
		}
	}
	if f.Projects == nil {
		f.Projects = []Project{}
	}
	return f.Projects, nil
}

type Discovered struct {
	ID   string
	Path string
}

// Discover lists the data files under dir matching pattern, sorted by
// identifier. The identifier is the file's base name without extension; when
// two files share one, the first match in lexical path order wins.
func Discover(dir, pattern string) ([]Discovered, error) {
	if pattern == "" {
		pattern = DefaultDiscoveryPattern
	}
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)

	seen := make(map[string]struct{}, len(matches))
	var out []Discovered
	for _, m := range matches {
		base := path.Base(m)
		id := strings.TrimSuffix(base, path.Ext(base))
		if id == "" || strings.HasPrefix(id, ".") {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Discovered{ID: id, Path: filepath.Join(dir, filepath.FromSlash(m))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
