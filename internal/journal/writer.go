// Package journal appends completed coaching exchanges to the interaction
// store without blocking request handling.
package journal

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/allensfl/coaching-cockpit/internal/storage"
)

// DefaultQueueSize is used when NewWriter receives a non-positive size.
const DefaultQueueSize = 256

// InteractionSaver persists one interaction.
type InteractionSaver interface {
	SaveInteraction(ctx context.Context, in storage.Interaction) error
}

// Writer queues interactions and saves them on a background goroutine.
// When the queue is full new records are dropped.
type Writer struct {
	store  InteractionSaver
	queue  chan storage.Interaction
	logger *slog.Logger

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter creates a Writer. A nil logger uses slog.Default().
func NewWriter(store InteractionSaver, queueSize int, logger *slog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:  store,
		queue:  make(chan storage.Interaction, queueSize),
		logger: logger,
	}
}

// Record enqueues an interaction, filling in ID and CreatedAt when absent.
// It never blocks and reports whether the record was accepted.
func (w *Writer) Record(in storage.Interaction) bool {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	select {
	case w.queue <- in:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("journal queue full, dropping interaction",
			"request_id", in.RequestID, "session_id", in.SessionID)
		return false
	}
}

// Run saves queued interactions until ctx is cancelled, then drains what
// is already queued before returning.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain(context.WithoutCancel(ctx))
			return
		case in := <-w.queue:
			w.save(ctx, in)
		}
	}
}

func (w *Writer) drain(ctx context.Context) {
	for {
		select {
		case in := <-w.queue:
			w.save(ctx, in)
		default:
			return
		}
	}
}

func (w *Writer) save(ctx context.Context, in storage.Interaction) {
	if err := w.store.SaveInteraction(ctx, in); err != nil {
		w.failed.Add(1)
		w.logger.Error("saving interaction failed", "request_id", in.RequestID, "error", err)
		return
	}
	w.written.Add(1)
}

// Stats reports counts of written, dropped, and failed interactions.
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

func (w *Writer) Stats() Stats {
	return Stats{
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
		Queued:  len(w.queue),
	}
}
