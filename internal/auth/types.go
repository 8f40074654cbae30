package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AllProjects is the permission sentinel that grants access to every catalog entry.
const AllProjects = "all"

// Permissions is the per-user project allow-list. Persisted either as the
// string "all" or as a list of project identifiers.
type Permissions struct {
	All      bool
	Projects []string
}

func AllowAll() Permissions {
	return Permissions{All: true}
}

func AllowProjects(ids ...string) Permissions {
	return Permissions{Projects: append([]string(nil), ids...)}
}

// Allows reports whether the project identifier is permitted.
func (p Permissions) Allows(id string) bool {
	if p.All {
		return true
	}
	for _, pid := range p.Projects {
		if pid == id {
			return true
		}
	}
	return false
}

func (p Permissions) MarshalJSON() ([]byte, error) {
	if p.All {
		return json.Marshal(AllProjects)
	}
	if p.Projects == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.Projects)
}

func (p *Permissions) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = Permissions{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if strings.EqualFold(strings.TrimSpace(s), AllProjects) {
			*p = AllowAll()
			return nil
		}
		return fmt.Errorf("unsupported permission value %q", s)
	}

	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return fmt.Errorf("decode permitted projects: %w", err)
	}
	out := Permissions{Projects: make([]string, 0, len(ids))}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if strings.EqualFold(id, AllProjects) {
			*p = AllowAll()
			return nil
		}
		out.Projects = append(out.Projects, id)
	}
	*p = out
	return nil
}

type User struct {
	Username          string      `json:"username,omitempty"`
	PasswordHash      string      `json:"password,omitempty"`
	DisplayName       string      `json:"nombre"`
	Role              string      `json:"rol"`
	PermittedProjects Permissions `json:"permitted_projects"`
}

// UnmarshalJSON accepts the legacy permission fields dashboards_permitidos and
// proyectos_permitidos when permitted_projects is absent.
func (u *User) UnmarshalJSON(b []byte) error {
	type plain User
	var aux struct {
		plain
		Permitted  *Permissions `json:"permitted_projects"`
		Dashboards *Permissions `json:"dashboards_permitidos"`
		Projects   *Permissions `json:"proyectos_permitidos"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*u = User(aux.plain)
	switch {
	case aux.Permitted != nil:
		u.PermittedProjects = *aux.Permitted
	case aux.Projects != nil:
		u.PermittedProjects = *aux.Projects
	case aux.Dashboards != nil:
		u.PermittedProjects = *aux.Dashboards
	}
	return nil
}

// Snapshot is the copy embedded in a session record.
func (u User) Snapshot() User {
	out := u
	out.PasswordHash = ""
	out.PermittedProjects = Permissions{
		All:      u.PermittedProjects.All,
		Projects: append([]string(nil), u.PermittedProjects.Projects...),
	}
	return out
}

type Session struct {
	Token     string    `json:"-"`
	ID        string    `json:"session_id"`
	Username  string    `json:"username"`
	User      User      `json:"user_data"`
	IssuedAt  time.Time `json:"login_time"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the session still authorizes access at now.
func (s Session) ValidAt(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

type SessionView struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s Session) View() SessionView {
	return SessionView{
		ID:          s.ID,
		Username:    s.Username,
		DisplayName: s.User.DisplayName,
		Role:        s.User.Role,
		IssuedAt:    s.IssuedAt,
		ExpiresAt:   s.ExpiresAt,
	}
}

func cloneSessions(src map[string]Session) map[string]Session {
	out := make(map[string]Session, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
