package creds

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite persists the credential across client restarts, the way the
// browser app kept it in localStorage. One row, replaced wholesale.
type SQLite struct {
	mu sync.Mutex
	db *sql.DB
	n  notifier
}

const credsSchema = `
CREATE TABLE IF NOT EXISTS credential (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	token TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	token_type TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);`

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}
	if _, err := db.Exec(credsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create credential schema: %w", err)
	}
	return &SQLite{db: db, n: newNotifier()}, nil
}

func (s *SQLite) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Credentials
	var expiresAt int64
	err := s.db.QueryRow(`
		SELECT token, refresh_token, token_type, expires_at
		FROM credential WHERE id = 1
	`).Scan(&c.Token, &c.RefreshToken, &c.TokenType, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("load credential: %w", err)
	}
	if expiresAt > 0 {
		c.ExpiresAt = time.Unix(expiresAt, 0)
	}
	return c, nil
}

func (s *SQLite) Save(c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt int64
	if !c.ExpiresAt.IsZero() {
		expiresAt = c.ExpiresAt.Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO credential (id, token, refresh_token, token_type, expires_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at
	`, c.Token, c.RefreshToken, c.TokenType, expiresAt)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	s.n.notify()
	return nil
}

func (s *SQLite) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM credential WHERE id = 1`); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	s.n.notify()
	return nil
}

func (s *SQLite) Changed() <-chan struct{} { return s.n.ch }

func (s *SQLite) Close() error { return s.db.Close() }
