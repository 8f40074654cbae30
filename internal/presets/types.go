package presets

import "time"

// Preset is a named set of dashboard filter selections saved by one user for
// one project.
type Preset struct {
	ID         string            `json:"id"`
	Owner      string            `json:"owner"`
	Project    string            `json:"project"`
	Name       string            `json:"name"`
	Filters    map[string]string `json:"filters"`
	CreatedAt  time.Time         `json:"created_at"`
	ModifiedAt time.Time         `json:"modified_at"`
}

func (p Preset) Clone() Preset {
	if p.Filters != nil {
		filters := make(map[string]string, len(p.Filters))
		for k, v := range p.Filters {
			filters[k] = v
		}
		p.Filters = filters
	}
	return p
}
