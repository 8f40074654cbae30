package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
)

// sessionLockKey scopes the transaction-level advisory lock that serializes
// session rewrites across replicas.
const sessionLockKey int64 = 0x5e55_1035

type PostgresSessionStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewPostgresSessionStore expects the auth_sessions table created by the
// migrations package.
func NewPostgresSessionStore(db *sql.DB, logger *slog.Logger) (*PostgresSessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSessionStore{db: db, log: logger}, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresSessionStore) Load(ctx context.Context) (map[string]Session, error) {
	return s.load(ctx, s.db)
}

func (s *PostgresSessionStore) Save(ctx context.Context, sessions map[string]Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, sessionLockKey); err != nil {
		return fmt.Errorf("lock sessions: %w", err)
	}
	if err := s.replace(ctx, tx, sessions); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session tx: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Update(ctx context.Context, fn func(map[string]Session) (bool, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, sessionLockKey); err != nil {
		return fmt.Errorf("lock sessions: %w", err)
	}
	sessions, err := s.load(ctx, tx)
	if err != nil {
		return err
	}
	changed, err := fn(sessions)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := s.replace(ctx, tx, sessions); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session tx: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) load(ctx context.Context, q queryer) (map[string]Session, error) {
	const query = `
SELECT token, session_id, username, user_data, login_time, expires_at
FROM auth_sessions`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Session)
	for rows.Next() {
		var sess Session
		var userJSON []byte
		if err := rows.Scan(&sess.Token, &sess.ID, &sess.Username, &userJSON, &sess.IssuedAt, &sess.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if len(userJSON) > 0 {
			if err := json.Unmarshal(userJSON, &sess.User); err != nil {
				s.log.Warn("dropping session with unreadable user snapshot", "session_id", sess.ID, "error", err)
				continue
			}
		}
		out[sess.Token] = sess
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *PostgresSessionStore) replace(ctx context.Context, tx *sql.Tx, sessions map[string]Session) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_sessions`); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}

	const q = `
INSERT INTO auth_sessions (token, session_id, username, user_data, login_time, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	for token, sess := range sessions {
		userJSON, err := json.Marshal(sess.User)
		if err != nil {
			return fmt.Errorf("encode session user: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q, token, sess.ID, sess.Username, userJSON, sess.IssuedAt, sess.ExpiresAt); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
	}
	return nil
}
