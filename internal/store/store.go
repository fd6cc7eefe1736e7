// Package store persists session transcripts.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrTranscriptNotFound is returned when a transcript does not exist or is
// not owned by the requesting user.
var ErrTranscriptNotFound = errors.New("transcript not found")

// Transcript is the durable record of one session's conversation.
type Transcript struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	AgentSessionID string    `json:"agentSessionId"`
	ProjectID      string    `json:"projectId,omitempty"`
	Title          string    `json:"title"`
	ModelProvider  string    `json:"modelProvider,omitempty"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Messages       []Message `json:"messages,omitempty"`
}

// Message is one entry of a transcript. Seq is assigned on append and is
// strictly increasing per transcript.
type Message struct {
	ID           string         `json:"id"`
	TranscriptID string         `json:"transcriptId"`
	Seq          int            `json:"seq"`
	Role         string         `json:"role"`
	Content      string         `json:"content"`
	EventType    string         `json:"eventType,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Repository defines transcript persistence.
type Repository interface {
	// CreateTranscript inserts t, assigning an id and timestamps when unset.
	CreateTranscript(ctx context.Context, t *Transcript) error

	// AppendMessages appends msgs in order to a transcript in one transaction.
	AppendMessages(ctx context.Context, transcriptID string, msgs []Message) error

	// MarkTranscriptInactive records that the transcript's session has ended.
	MarkTranscriptInactive(ctx context.Context, id string) error

	// ListTranscripts returns a user's transcripts, most recently updated first.
	ListTranscripts(ctx context.Context, userID string, limit, offset int) ([]*Transcript, error)

	// GetTranscript returns a transcript with its messages.
	GetTranscript(ctx context.Context, userID, id string) (*Transcript, error)

	RenameTranscript(ctx context.Context, userID, id, title string) error
	DeleteTranscript(ctx context.Context, userID, id string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Open selects a backend from dsn: postgres:// and postgresql:// URLs use
// Postgres, anything else is a SQLite file path.
func Open(dsn string) (*SQLStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(dsn)
	}
	return NewSQLite(dsn)
}
