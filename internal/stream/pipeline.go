// Package stream forwards a session's agent events to its client, persists
// them in batches and keeps the client's file tree current.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/lucid-engine/internal/events"
	"github.com/ashureev/lucid-engine/internal/metrics"
	"github.com/ashureev/lucid-engine/internal/store"
	"github.com/ashureev/lucid-engine/internal/workspace"
)

// Source is the session side of the pipeline.
type Source interface {
	Events() <-chan events.Event
	Alive() bool
}

// Sender writes frames to the connected client.
type Sender interface {
	SendEvent(ctx context.Context, msg events.Message) error
	SendTree(ctx context.Context, tree []workspace.Node) error
}

// TranscriptWriter persists message batches.
type TranscriptWriter interface {
	AppendMessages(ctx context.Context, transcriptID string, msgs []store.Message) error
}

// Config tunes batching and liveness polling.
type Config struct {
	BatchSize     int
	BatchInterval time.Duration
	PollInterval  time.Duration
}

// DefaultConfig flushes every 20 events or 2 seconds.
var DefaultConfig = Config{
	BatchSize:     20,
	BatchInterval: 2 * time.Second,
	PollInterval:  time.Second,
}

// Pipeline drains one session's event queue. Events reach the client in the
// order they were emitted; a file tree refresh triggered by an event is sent
// after that event.
type Pipeline struct {
	src          Source
	sender       Sender
	tree         workspace.Backend
	transcripts  TranscriptWriter
	transcriptID string
	cfg          Config
	logger       *slog.Logger

	syncReq chan chan struct{}
	done    chan struct{}
}

// New creates a pipeline. A nil tree disables tree refresh; a nil
// transcripts or empty transcriptID disables persistence.
func New(src Source, sender Sender, tree workspace.Backend, transcripts TranscriptWriter, transcriptID string, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultConfig.BatchInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		src:          src,
		sender:       sender,
		tree:         tree,
		transcripts:  transcripts,
		transcriptID: transcriptID,
		cfg:          cfg,
		logger:       logger,
		syncReq:      make(chan chan struct{}),
		done:         make(chan struct{}),
	}
}

// Run consumes events until ctx is cancelled, the session dies or a send
// fails. Pending messages are flushed on every exit path.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	defer close(p.done)

	b := &batch{lastFlush: time.Now()}
	defer func() {
		p.flush(context.WithoutCancel(ctx), b)
	}()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	queue := p.src.Events()
	for {
		if !p.src.Alive() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-queue:
			if err := p.handle(ctx, ev, b); err != nil {
				return err
			}

		case ack := <-p.syncReq:
			if err := p.drain(ctx, queue, b); err != nil {
				return err
			}
			p.flush(ctx, b)
			close(ack)

		case <-ticker.C:
		}

		if len(b.msgs) >= p.cfg.BatchSize ||
			(len(b.msgs) > 0 && time.Since(b.lastFlush) >= p.cfg.BatchInterval) {
			p.flush(ctx, b)
		}
	}
}

// Sync blocks until every event queued before the call has been forwarded.
// It returns immediately once the pipeline has stopped.
func (p *Pipeline) Sync(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case p.syncReq <- ack:
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) drain(ctx context.Context, queue <-chan events.Event, b *batch) error {
	for {
		select {
		case ev := <-queue:
			if err := p.handle(ctx, ev, b); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, ev events.Event, b *batch) error {
	if err := p.sender.SendEvent(ctx, ev.Wire()); err != nil {
		return fmt.Errorf("forward event: %w", err)
	}
	metrics.EventsForwarded.Inc()

	if p.persisting() && ev.Category.Persistable() && ev.Content != "" {
		b.msgs = append(b.msgs, store.Message{
			Role:      "assistant",
			Content:   ev.Content,
			EventType: ev.Type,
			Metadata:  ev.Metadata(),
			CreatedAt: ev.Timestamp,
		})
		if len(b.msgs) >= p.cfg.BatchSize {
			p.flush(ctx, b)
		}
	}

	if p.tree != nil && ev.ChangesWorkspace() {
		return p.refreshTree(ctx)
	}
	return nil
}

// refreshTree sends the current tree. Listing failures are logged and
// skipped; only a failed send ends the pipeline.
func (p *Pipeline) refreshTree(ctx context.Context) error {
	nodes, err := p.tree.Tree(ctx)
	if err != nil {
		p.logger.Warn("File tree refresh failed", "error", err)
		return nil
	}
	if err := p.sender.SendTree(ctx, nodes); err != nil {
		return fmt.Errorf("send file tree: %w", err)
	}
	return nil
}

func (p *Pipeline) persisting() bool {
	return p.transcripts != nil && p.transcriptID != ""
}

type batch struct {
	msgs      []store.Message
	lastFlush time.Time
}

// flush writes the pending batch. Failures are logged and the batch is
// discarded; they never reach the client.
func (p *Pipeline) flush(ctx context.Context, b *batch) {
	b.lastFlush = time.Now()
	if len(b.msgs) == 0 {
		return
	}
	msgs := b.msgs
	b.msgs = nil

	if err := p.transcripts.AppendMessages(ctx, p.transcriptID, msgs); err != nil {
		metrics.TranscriptFlushes.WithLabelValues("error").Inc()
		p.logger.Error("Failed to persist transcript batch",
			"transcript_id", p.transcriptID,
			"messages", len(msgs),
			"error", err)
		return
	}
	metrics.TranscriptFlushes.WithLabelValues("ok").Inc()
	p.logger.Debug("Persisted transcript batch", "transcript_id", p.transcriptID, "messages", len(msgs))
}
