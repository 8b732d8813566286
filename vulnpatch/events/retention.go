package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRetentionSchedule runs the purge daily at 03:00.
const DefaultRetentionSchedule = "0 3 * * *"

// Retention periodically purges events older than a fixed age.
type Retention struct {
	query *Query
	age   time.Duration
	cron  *cron.Cron
}

func NewRetention(q *Query, age time.Duration) *Retention {
	return &Retention{query: q, age: age, cron: cron.New()}
}

// Schedule registers the purge under expr and starts the runner.
func (r *Retention) Schedule(expr string) error {
	if expr == "" {
		expr = DefaultRetentionSchedule
	}
	if _, err := r.cron.AddFunc(expr, func() { r.Purge(context.Background()) }); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", expr, err)
	}
	r.cron.Start()
	slog.Info("Event retention scheduled", "schedule", expr, "max_age", r.age)
	return nil
}

// Purge deletes expired events and returns how many were removed.
func (r *Retention) Purge(ctx context.Context) int64 {
	if r.age <= 0 {
		return 0
	}
	n, err := r.query.DeleteOlderThan(ctx, r.age)
	if err != nil {
		slog.Error("Event retention failed", "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("Purged expired events", "count", n)
	}
	return n
}

// Stop waits for a running purge to finish.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}
