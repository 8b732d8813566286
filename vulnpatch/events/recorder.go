// Package events records scan lifecycle events and serves them back.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch/postgres"
)

const (
	ServiceName = "vulnpatch"

	DefaultFlushInterval = 5 * time.Second
	DefaultBufferSize    = 100
)

// Entry is one lifecycle event before it is stored.
type Entry struct {
	OwnerID     string
	EventType   string
	Severity    string
	Title       string
	Description string
	EntityType  string
	EntityID    string
	Metadata    map[string]any
}

// Recorder buffers events and writes them in batches.
type Recorder struct {
	db            *gorm.DB
	mu            sync.Mutex
	buffer        []postgres.Event
	bufferSize    int
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
	now           func() time.Time
}

// NewRecorder starts the periodic flush loop; Close stops it.
func NewRecorder(db *gorm.DB, flushInterval time.Duration, bufferSize int) *Recorder {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	r := &Recorder{
		db:            db,
		buffer:        make([]postgres.Event, 0, bufferSize),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		now:           time.Now,
	}
	go r.flushLoop()
	return r
}

// Record buffers e, flushing when the buffer is full. A nil Recorder drops
// the event.
func (r *Recorder) Record(e Entry) {
	if r == nil {
		return
	}
	ev := r.toEvent(e)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer = append(r.buffer, ev)
	if len(r.buffer) >= r.bufferSize {
		if err := r.flushLocked(); err != nil {
			slog.Error("Failed to flush events", "error", err)
		}
	}
}

func (r *Recorder) toEvent(e Entry) postgres.Event {
	now := r.now()
	severity := e.Severity
	if severity == "" {
		severity = postgres.EventSeverityInfo
	}
	title := e.Title
	if len(title) > 255 {
		title = title[:252] + "..."
	}
	var md postgres.JSONB
	if len(e.Metadata) > 0 {
		md = postgres.JSONB{}
		for k, v := range e.Metadata {
			md[k] = v
		}
	}
	return postgres.Event{
		EventID:     "evt_" + uuid.NewString(),
		Timestamp:   now,
		Service:     ServiceName,
		EventType:   e.EventType,
		Severity:    severity,
		Title:       title,
		Description: e.Description,
		Metadata:    md,
		OwnerID:     e.OwnerID,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		CreatedAt:   now,
	}
}

// Flush writes every buffered event.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

// flushLocked keeps the buffer on failure so the next flush retries it.
func (r *Recorder) flushLocked() error {
	if len(r.buffer) == 0 {
		return nil
	}
	if err := r.db.CreateInBatches(r.buffer, len(r.buffer)).Error; err != nil {
		return fmt.Errorf("failed to store events: %w", err)
	}
	slog.Debug("Flushed events", "count", len(r.buffer))
	r.buffer = r.buffer[:0]
	return nil
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Flush(); err != nil {
				slog.Error("Periodic event flush failed", "error", err)
			}
		case <-r.stop:
			if err := r.Flush(); err != nil {
				slog.Error("Final event flush failed", "error", err)
			}
			return
		}
	}
}

// Close stops the flush loop after a final flush.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() { close(r.stop) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
