package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"murmur/cmd/identity/ids"
	v1 "murmur/shared/contracts/feed/v1"
)

const pgForeignKeyViolation = "23503"

const messageColumns = `id, temp_id, sender_id, receiver_id, iv, content, attachment, status, is_read, edited, edited_at, created_at`

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts options

	messages  string
	reactions string
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) (*PostgresStore, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return &PostgresStore{
		pool:      pool,
		opts:      o,
		messages:  pgIdent(o.schema, "messages"),
		reactions: pgIdent(o.schema, "message_reactions"),
	}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema, tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[2]s (
  id          TEXT PRIMARY KEY,
  temp_id     TEXT NOT NULL,
  sender_id   TEXT NOT NULL,
  receiver_id TEXT NOT NULL,
  iv          BYTEA NOT NULL,
  content     BYTEA NOT NULL,
  attachment  JSONB,
  status      TEXT NOT NULL DEFAULT 'sent' CHECK (status IN ('sent', 'delivered', 'read')),
  is_read     BOOLEAN NOT NULL DEFAULT false,
  edited      BOOLEAN NOT NULL DEFAULT false,
  edited_at   TIMESTAMPTZ,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_messages_sender_temp UNIQUE (sender_id, temp_id),
  CONSTRAINT chk_messages_iv_len CHECK (octet_length(iv) = 12)
);

CREATE INDEX IF NOT EXISTS idx_messages_pair_created
  ON %[2]s (sender_id, receiver_id, created_at DESC);

CREATE TABLE IF NOT EXISTS %[3]s (
  message_id TEXT NOT NULL REFERENCES %[2]s(id) ON DELETE CASCADE,
  user_id    TEXT NOT NULL,
  emoji      TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (message_id, user_id, emoji)
);
`, pgx.Identifier{s.opts.schema}.Sanitize(), s.messages, s.reactions)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// InsertMessage persists a message row with status "sent", deduplicated by (sender_id, temp_id).
func (s *PostgresStore) InsertMessage(ctx context.Context, in v1.MessageInsert) (v1.MessageRecord, error) {
	if err := validateInsert(in); err != nil {
		return v1.MessageRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return v1.MessageRecord{}, err
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return v1.MessageRecord{}, err
	}
	var attachment []byte
	if in.Attachment != nil {
		if attachment, err = json.Marshal(in.Attachment); err != nil {
			return v1.MessageRecord{}, fmt.Errorf("store.InsertMessage: encode attachment: %w", err)
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return v1.MessageRecord{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	duplicated := false
	out, err := scanMessage(tx.QueryRow(ctx,
		`INSERT INTO `+s.messages+` (id, temp_id, sender_id, receiver_id, iv, content, attachment, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'sent', $8)
		 ON CONFLICT (sender_id, temp_id) DO NOTHING
		 RETURNING `+messageColumns,
		id, in.TempID, in.SenderID, in.ReceiverID, in.Ciphertext.IV, in.Ciphertext.Content, attachment, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		duplicated = true
		out, err = scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM `+s.messages+` WHERE sender_id = $1 AND temp_id = $2`,
			in.SenderID, in.TempID,
		))
	}
	if err != nil {
		return v1.MessageRecord{}, fmt.Errorf("store.InsertMessage: %w", err)
	}
	if duplicated && out.ReceiverID != in.ReceiverID {
		return v1.MessageRecord{}, fmt.Errorf("store.InsertMessage: %w: temp_id reused for another receiver", ErrConflict)
	}

	if err := tx.Commit(ctx); err != nil {
		return v1.MessageRecord{}, err
	}
	if !duplicated {
		s.opts.publish(ctx, v1.MessageChange(v1.OpInsert, out, now))
	}
	return out, nil
}

// UpdateStatus applies a guarded status transition and returns the updated rows.
func (s *PostgresStore) UpdateStatus(ctx context.Context, in v1.StatusUpdate) ([]v1.MessageRecord, error) {
	if err := validateStatus(in); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	isRead := in.To == v1.StatusRead
	var (
		rows pgx.Rows
		err  error
	)
	if in.ID != "" {
		rows, err = s.pool.Query(ctx,
			`UPDATE `+s.messages+`
			    SET status = $1, is_read = is_read OR $2
			  WHERE id = $3 AND receiver_id = $4 AND status = $5 AND ($6 = '' OR sender_id = $6)
			RETURNING `+messageColumns,
			in.To, isRead, in.ID, in.ReceiverID, in.From, in.SenderID,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`UPDATE `+s.messages+`
			    SET status = $1, is_read = is_read OR $2
			  WHERE sender_id = $3 AND receiver_id = $4 AND status = $5
			RETURNING `+messageColumns,
			in.To, isRead, in.SenderID, in.ReceiverID, in.From,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("store.UpdateStatus: %w", err)
	}
	out, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("store.UpdateStatus: %w", err)
	}

	now := time.Now().UTC()
	for _, m := range out {
		s.opts.publish(ctx, v1.MessageChange(v1.OpUpdate, m, now))
	}
	return out, nil
}

// EditMessage replaces the ciphertext of a message sent by in.SenderID.
func (s *PostgresStore) EditMessage(ctx context.Context, in v1.MessageEdit) ([]v1.MessageRecord, error) {
	if err := validateEdit(in); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx,
		`UPDATE `+s.messages+`
		    SET iv = $1, content = $2, edited = true, edited_at = $3
		  WHERE id = $4 AND sender_id = $5
		RETURNING `+messageColumns,
		in.Ciphertext.IV, in.Ciphertext.Content, now, in.ID, in.SenderID,
	)
	if err != nil {
		return nil, fmt.Errorf("store.EditMessage: %w", err)
	}
	out, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("store.EditMessage: %w", err)
	}
	for _, m := range out {
		s.opts.publish(ctx, v1.MessageChange(v1.OpUpdate, m, now))
	}
	return out, nil
}

// GetMessage returns one message row.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (v1.MessageRecord, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.messages+` WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return v1.MessageRecord{}, fmt.Errorf("store.GetMessage: %w", ErrNotFound)
	}
	if err != nil {
		return v1.MessageRecord{}, fmt.Errorf("store.GetMessage: %w", err)
	}
	return m, nil
}

// FetchHistory returns the most recent messages between two users, oldest first.
func (s *PostgresStore) FetchHistory(ctx context.Context, in v1.HistoryFetch) ([]v1.MessageRecord, error) {
	if !v1.ValidUserID(in.UserA) || !v1.ValidUserID(in.UserB) {
		return nil, invalid("FetchHistory", "invalid participant id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM (
		   SELECT `+messageColumns+`
		     FROM `+s.messages+`
		    WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		    ORDER BY created_at DESC, id DESC
		    LIMIT $3
		 ) recent
		 ORDER BY created_at ASC, id ASC`,
		in.UserA, in.UserB, historyLimit(in.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("store.FetchHistory: %w", err)
	}
	out, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("store.FetchHistory: %w", err)
	}
	return out, nil
}

// InsertReaction adds a reaction. An existing identical reaction is returned unchanged.
func (s *PostgresStore) InsertReaction(ctx context.Context, r v1.ReactionRecord) (v1.ReactionRecord, error) {
	if err := validateReaction(r); err != nil {
		return v1.ReactionRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return v1.ReactionRecord{}, err
	}

	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.reactions+` (message_id, user_id, emoji, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (message_id, user_id, emoji) DO NOTHING
		 RETURNING created_at`,
		r.MessageID, r.UserID, r.Emoji, now,
	).Scan(&r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.pool.QueryRow(ctx,
			`SELECT created_at FROM `+s.reactions+` WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
			r.MessageID, r.UserID, r.Emoji,
		).Scan(&r.CreatedAt)
		if err != nil {
			return v1.ReactionRecord{}, fmt.Errorf("store.InsertReaction: %w", err)
		}
		return r, nil
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return v1.ReactionRecord{}, fmt.Errorf("store.InsertReaction: %w: message %s", ErrNotFound, r.MessageID)
		}
		return v1.ReactionRecord{}, fmt.Errorf("store.InsertReaction: %w", err)
	}

	s.opts.publish(ctx, v1.ReactionChange(v1.OpInsert, r, now))
	return r, nil
}

// DeleteReaction removes a reaction and reports how many rows were removed (0 or 1).
func (s *PostgresStore) DeleteReaction(ctx context.Context, r v1.ReactionRecord) (int64, error) {
	if err := validateReaction(r); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	err := s.pool.QueryRow(ctx,
		`DELETE FROM `+s.reactions+`
		  WHERE message_id = $1 AND user_id = $2 AND emoji = $3
		RETURNING created_at`,
		r.MessageID, r.UserID, r.Emoji,
	).Scan(&r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store.DeleteReaction: %w", err)
	}

	s.opts.publish(ctx, v1.ReactionChange(v1.OpDelete, r, time.Now().UTC()))
	return 1, nil
}

// FetchReactions returns every reaction of a message ordered by creation time.
func (s *PostgresStore) FetchReactions(ctx context.Context, messageID string) ([]v1.ReactionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, user_id, emoji, created_at
		   FROM `+s.reactions+`
		  WHERE message_id = $1
		  ORDER BY created_at ASC, user_id ASC, emoji ASC`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("store.FetchReactions: %w", err)
	}
	defer rows.Close()

	out := make([]v1.ReactionRecord, 0, 8)
	for rows.Next() {
		var r v1.ReactionRecord
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanMessage(row pgx.Row) (v1.MessageRecord, error) {
	var (
		m          v1.MessageRecord
		attachment []byte
	)
	if err := row.Scan(
		&m.ID,
		&m.TempID,
		&m.SenderID,
		&m.ReceiverID,
		&m.Ciphertext.IV,
		&m.Ciphertext.Content,
		&attachment,
		&m.Status,
		&m.IsRead,
		&m.Edited,
		&m.EditedAt,
		&m.CreatedAt,
	); err != nil {
		return v1.MessageRecord{}, err
	}
	if len(attachment) > 0 {
		var a v1.Attachment
		if err := json.Unmarshal(attachment, &a); err != nil {
			return v1.MessageRecord{}, fmt.Errorf("decode attachment: %w", err)
		}
		m.Attachment = &a
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]v1.MessageRecord, error) {
	defer rows.Close()

	out := make([]v1.MessageRecord, 0, 16)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
