// Package storage persists the subscription list and a log of delivered
// notifications in sqlite. The registry stays the runtime source of truth;
// storage exists so subscriptions survive a restart.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/M1keZulu/3Commas-Discord/notify"
	"github.com/M1keZulu/3Commas-Discord/registry"
)

//go:embed schema.sql
var schemaDDL string

type Storage struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the sqlite database at path and applies the schema.
// Pass ":memory:" for an ephemeral store.
func New(path string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SaveCredential inserts cred. The schema's unique constraints mirror the
// registry's conflict rule, so a collision surfaces as ErrConflict here too.
func (s *Storage) SaveCredential(ctx context.Context, cred registry.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (name, api_key, secret_key) VALUES (?, ?, ?)`,
		cred.Name, cred.APIKey, cred.SecretKey)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return registry.ErrConflict
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// DeleteCredential removes the credential named name, if present.
func (s *Storage) DeleteCredential(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// ListCredentials returns all stored credentials in insertion order.
func (s *Storage) ListCredentials(ctx context.Context) ([]registry.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, api_key, secret_key FROM credentials ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []registry.Credential
	for rows.Next() {
		var cred registry.Credential
		if err := rows.Scan(&cred.Name, &cred.APIKey, &cred.SecretKey); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return creds, nil
}

// RecordNotification appends a delivered notification to the log.
func (s *Storage) RecordNotification(ctx context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_log (seq, kind, text, created_at_utc) VALUES (?, ?, ?, ?)`,
		int64(n.Seq), n.Kind.String(), n.Text, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// NotificationCount reports how many notifications have been logged.
func (s *Storage) NotificationCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notification_log`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}
