package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// SQLStore implements Repository on database/sql. Queries are written with
// '?' placeholders and rebound for Postgres.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS transcripts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		agent_session_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		model_provider TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transcripts_user ON transcripts(user_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS transcript_messages (
		id TEXT PRIMARY KEY,
		transcript_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at BIGINT NOT NULL,
		UNIQUE (transcript_id, seq)
	)`,
}

// NewSQLite opens (creating if needed) a SQLite database file.
func NewSQLite(dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL and a busy timeout let the batch writer and the REST handlers share the file.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLStore(db, false)
}

// NewPostgres connects to a Postgres database.
func NewPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLStore(db, true)
}

func newSQLStore(db *sql.DB, postgres bool) (*SQLStore, error) {
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLStore{db: db, postgres: postgres}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites '?' placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateTranscript inserts t.
func (s *SQLStore) CreateTranscript(ctx context.Context, t *Transcript) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	t.IsActive = true

	query := s.rebind(`
	INSERT INTO transcripts (id, user_id, agent_session_id, project_id, title, model_provider, is_active, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`)

	return withRetry(ctx, "create transcript", func() error {
		_, err := s.db.ExecContext(ctx, query,
			t.ID, t.UserID, t.AgentSessionID, t.ProjectID, t.Title, t.ModelProvider,
			t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert transcript: %w", err)
		}
		return nil
	})
}

// AppendMessages appends msgs after the transcript's current last message.
// Seq, ID and CreatedAt are filled in on the passed slice.
func (s *SQLStore) AppendMessages(ctx context.Context, transcriptID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return withRetry(ctx, "append messages", func() error {
		return s.appendOnce(ctx, transcriptID, msgs)
	})
}

func (s *SQLStore) appendOnce(ctx context.Context, transcriptID string, msgs []Message) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Touch the transcript first so SQLite takes the write lock before the
	// seq read, and so a missing transcript is detected.
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE transcripts SET updated_at = ? WHERE id = ?`),
		now.UnixMilli(), transcriptID)
	if err != nil {
		return fmt.Errorf("touch transcript: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTranscriptNotFound, transcriptID)
	}

	var last int
	if err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT COALESCE(MAX(seq), 0) FROM transcript_messages WHERE transcript_id = ?`),
		transcriptID).Scan(&last); err != nil {
		return fmt.Errorf("read last seq: %w", err)
	}

	insert := s.rebind(`
	INSERT INTO transcript_messages (id, transcript_id, seq, role, content, event_type, metadata, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for i := range msgs {
		m := &msgs[i]
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.TranscriptID = transcriptID
		m.Seq = last + i + 1

		var meta any
		if len(m.Metadata) > 0 {
			raw, jerr := json.Marshal(m.Metadata)
			if jerr != nil {
				return fmt.Errorf("encode metadata: %w", jerr)
			}
			meta = string(raw)
		}
		if _, err = tx.ExecContext(ctx, insert,
			m.ID, transcriptID, m.Seq, m.Role, m.Content, m.EventType, meta, m.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

// MarkTranscriptInactive clears the active flag.
func (s *SQLStore) MarkTranscriptInactive(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE transcripts SET is_active = 0, updated_at = ? WHERE id = ?`)
	return withRetry(ctx, "mark transcript inactive", func() error {
		res, err := s.db.ExecContext(ctx, query, time.Now().UTC().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("update transcript: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrTranscriptNotFound, id)
		}
		return nil
	})
}

// ListTranscripts returns transcript summaries without messages.
func (s *SQLStore) ListTranscripts(ctx context.Context, userID string, limit, offset int) ([]*Transcript, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := s.rebind(`
		SELECT id, user_id, agent_session_id, project_id, title, model_provider, is_active, created_at, updated_at
		FROM transcripts WHERE user_id = ?
		ORDER BY updated_at DESC, id
		LIMIT ? OFFSET ?`)

	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close transcript rows", "error", closeErr)
		}
	}()

	var out []*Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row rowScanner) (*Transcript, error) {
	var t Transcript
	var active int
	var createdAt, updatedAt int64
	if err := row.Scan(&t.ID, &t.UserID, &t.AgentSessionID, &t.ProjectID, &t.Title,
		&t.ModelProvider, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.IsActive = active != 0
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &t, nil
}

// GetTranscript returns the transcript with messages in seq order.
func (s *SQLStore) GetTranscript(ctx context.Context, userID, id string) (*Transcript, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, user_id, agent_session_id, project_id, title, model_provider, is_active, created_at, updated_at
		FROM transcripts WHERE id = ? AND user_id = ?`), id, userID)

	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTranscriptNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, seq, role, content, event_type, metadata, created_at
		FROM transcript_messages WHERE transcript_id = ?
		ORDER BY seq`), id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close message rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var m Message
		var meta sql.NullString
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Seq, &m.Role, &m.Content, &m.EventType, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.TranscriptID = id
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
				slog.Warn("Discarding unreadable message metadata", "message_id", m.ID, "error", err)
			}
		}
		t.Messages = append(t.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return t, nil
}

// RenameTranscript sets the title of a transcript owned by userID.
func (s *SQLStore) RenameTranscript(ctx context.Context, userID, id, title string) error {
	query := s.rebind(`UPDATE transcripts SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`)
	return withRetry(ctx, "rename transcript", func() error {
		res, err := s.db.ExecContext(ctx, query, title, time.Now().UTC().UnixMilli(), id, userID)
		if err != nil {
			return fmt.Errorf("rename transcript: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrTranscriptNotFound, id)
		}
		return nil
	})
}

// DeleteTranscript removes a transcript owned by userID and its messages.
func (s *SQLStore) DeleteTranscript(ctx context.Context, userID, id string) error {
	return withRetry(ctx, "delete transcript", func() error {
		return s.deleteOnce(ctx, userID, id)
	})
}

func (s *SQLStore) deleteOnce(ctx context.Context, userID, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM transcripts WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTranscriptNotFound, id)
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM transcript_messages WHERE transcript_id = ?`), id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}
