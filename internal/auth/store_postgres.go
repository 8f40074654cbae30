package auth

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PostgresUserStore expects the auth_users table created by the migrations package.
type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) (*PostgresUserStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &PostgresUserStore{db: db}, nil
}

func (s *PostgresUserStore) GetByUsername(username string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, ErrUserNotFound
	}

	var u User
	var permsJSON []byte
	const q = `SELECT username, password_hash, display_name, role, permitted_projects FROM auth_users WHERE username = $1`
	if err := s.db.QueryRow(q, username).Scan(&u.Username, &u.PasswordHash, &u.DisplayName, &u.Role, &permsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query auth user: %w", err)
	}
	if len(permsJSON) > 0 {
		if err := json.Unmarshal(permsJSON, &u.PermittedProjects); err != nil {
			return User{}, fmt.Errorf("decode permitted projects: %w", err)
		}
	}
	return u, nil
}

func (s *PostgresUserStore) Put(user User) error {
	user.Username = strings.TrimSpace(user.Username)
	if user.Username == "" || user.PasswordHash == "" {
		return fmt.Errorf("username and password hash are required")
	}

	permsJSON, err := json.Marshal(user.PermittedProjects)
	if err != nil {
		return fmt.Errorf("encode permitted projects: %w", err)
	}

	const q = `
INSERT INTO auth_users (username, password_hash, display_name, role, permitted_projects, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (username) DO UPDATE
SET password_hash = EXCLUDED.password_hash,
	display_name = EXCLUDED.display_name,
	role = EXCLUDED.role,
	permitted_projects = EXCLUDED.permitted_projects,
	updated_at = NOW()`
	if _, err := s.db.Exec(q, user.Username, user.PasswordHash, user.DisplayName, user.Role, permsJSON); err != nil {
		return fmt.Errorf("upsert auth user: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) List() ([]User, error) {
	const q = `SELECT username, password_hash, display_name, role, permitted_projects FROM auth_users ORDER BY username`
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("query auth users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var permsJSON []byte
		if err := rows.Scan(&u.Username, &u.PasswordHash, &u.DisplayName, &u.Role, &permsJSON); err != nil {
			return nil, fmt.Errorf("scan auth user: %w", err)
		}
		if len(permsJSON) > 0 {
			if err := json.Unmarshal(permsJSON, &u.PermittedProjects); err != nil {
				return nil, fmt.Errorf("decode permitted projects: %w", err)
			}
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate auth users: %w", err)
	}
	return out, nil
}

// SeedDefaults inserts the default accounts when the table is empty.
func (s *PostgresUserStore) SeedDefaults() (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM auth_users`).Scan(&n); err != nil {
		return false, fmt.Errorf("count auth users: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	for _, u := range DefaultUsers() {
		if err := s.Put(u); err != nil {
			return false, err
		}
	}
	return true, nil
}
