// Package outbox persists the drafts of failed sends in a local SQLite file, so a
// message the store never confirmed survives a client restart.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"murmur/cmd/internal/chat"
	v1 "murmur/shared/contracts/feed/v1"

	_ "github.com/mattn/go-sqlite3"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS drafts (
  owner_id    TEXT NOT NULL,
  temp_id     TEXT NOT NULL,
  peer_id     TEXT NOT NULL,
  text        TEXT NOT NULL DEFAULT '',
  attachment  TEXT,
  attempts    INTEGER NOT NULL DEFAULT 0,
  created_at  INTEGER NOT NULL,
  updated_at  INTEGER NOT NULL,
  PRIMARY KEY (owner_id, temp_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_drafts_peer_time
ON drafts (owner_id, peer_id, updated_at, temp_id);
`,
	`
ALTER TABLE drafts ADD COLUMN upload TEXT;
`,
}

// Store is the draft outbox of one local user.
type Store struct {
	db    *sql.DB
	owner string

	closeOnce sync.Once
}

var _ chat.DraftStore = (*Store)(nil)

// Open opens (or creates) the outbox at dbPath for owner and runs migrations.
func Open(dbPath, owner string) (*Store, error) {
	owner = strings.TrimSpace(owner)
	if !v1.ValidUserID(owner) {
		return nil, errors.New("outbox: invalid owner")
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("outbox: create directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("outbox: open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: ping sqlite database: %w", err)
	}

	s := &Store{db: db, owner: owner}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("outbox: read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("outbox: begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("outbox: apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("outbox: set schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("outbox: commit migration transaction: %w", err)
	}
	return nil
}

// SaveDraft inserts or replaces the draft of d.TempID.
func (s *Store) SaveDraft(ctx context.Context, d chat.Draft) error {
	if strings.TrimSpace(d.TempID) == "" || !v1.ValidUserID(d.PeerID) {
		return errors.New("outbox: draft needs temp_id and peer_id")
	}
	att, err := encodeJSON(d.Attachment)
	if err != nil {
		return fmt.Errorf("outbox: encode attachment: %w", err)
	}
	var up sql.NullString
	if d.Attachment == nil {
		if up, err = encodeJSON(d.Upload); err != nil {
			return fmt.Errorf("outbox: encode upload: %w", err)
		}
	}
	updated := d.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO drafts (owner_id, temp_id, peer_id, text, attachment, upload, attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (owner_id, temp_id) DO UPDATE SET
  peer_id    = excluded.peer_id,
  text       = excluded.text,
  attachment = excluded.attachment,
  upload     = excluded.upload,
  attempts   = excluded.attempts,
  updated_at = excluded.updated_at
`, s.owner, d.TempID, d.PeerID, d.Text, att, up, d.Attempts, updated.UnixMilli(), updated.UnixMilli())
	if err != nil {
		return fmt.Errorf("outbox: save draft: %w", err)
	}
	return nil
}

// DeleteDraft removes the draft of tempID. A missing draft is not an error.
func (s *Store) DeleteDraft(ctx context.Context, tempID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE owner_id = ? AND temp_id = ?`, s.owner, tempID); err != nil {
		return fmt.Errorf("outbox: delete draft: %w", err)
	}
	return nil
}

// ListDrafts returns the drafts addressed to peerID, oldest first.
func (s *Store) ListDrafts(ctx context.Context, peerID string) ([]chat.Draft, error) {
	return s.query(ctx, `
SELECT temp_id, peer_id, text, attachment, upload, attempts, updated_at
FROM drafts
WHERE owner_id = ? AND peer_id = ?
ORDER BY updated_at ASC, temp_id ASC
`, s.owner, peerID)
}

// All returns every draft of the owner, oldest first.
func (s *Store) All(ctx context.Context) ([]chat.Draft, error) {
	return s.query(ctx, `
SELECT temp_id, peer_id, text, attachment, upload, attempts, updated_at
FROM drafts
WHERE owner_id = ?
ORDER BY updated_at ASC, temp_id ASC
`, s.owner)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]chat.Draft, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox: list drafts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Draft
	for rows.Next() {
		var (
			d       chat.Draft
			att     sql.NullString
			up      sql.NullString
			updated int64
			err     error
		)
		if err := rows.Scan(&d.TempID, &d.PeerID, &d.Text, &att, &up, &d.Attempts, &updated); err != nil {
			return nil, fmt.Errorf("outbox: scan draft: %w", err)
		}
		if d.Attachment, err = decodeJSON[v1.Attachment](att); err != nil {
			return nil, fmt.Errorf("outbox: decode attachment of %s: %w", d.TempID, err)
		}
		if d.Upload, err = decodeJSON[chat.DraftUpload](up); err != nil {
			return nil, fmt.Errorf("outbox: decode upload of %s: %w", d.TempID, err)
		}
		d.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: list drafts: %w", err)
	}
	return out, nil
}

func encodeJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON[T any](s sql.NullString) (*T, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal([]byte(s.String), v); err != nil {
		return nil, err
	}
	return v, nil
}

// Prune drops drafts not updated since before, and reports how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE owner_id = ? AND updated_at < ?`, s.owner, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("outbox: prune: %w", err)
	}
	return res.RowsAffected()
}
