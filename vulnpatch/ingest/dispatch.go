package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch/queue"
)

const DefaultQueue = "vulnpatch_scan_jobs"

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, jobID uint) error
}

// LocalDispatcher runs each job in its own goroutine in this process.
type LocalDispatcher struct {
	runner Runner
	wg     sync.WaitGroup
}

func NewLocalDispatcher(r Runner) *LocalDispatcher {
	return &LocalDispatcher{runner: r}
}

// Dispatch starts the job detached from ctx: a finished request or a
// disconnected client does not stop it.
func (d *LocalDispatcher) Dispatch(ctx context.Context, jobID uint) error {
	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.runner.Run(runCtx, jobID); err != nil {
			slog.Warn("Scan job ended with error", "job_id", jobID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched job has finished or ctx ends.
func (d *LocalDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JobMessage is the queue payload announcing a job.
type JobMessage struct {
	JobID uint `json:"job_id"`
}

// Sender publishes a message body to a named queue.
type Sender interface {
	Send(ctx context.Context, qName string, body []byte) error
}

// QueueDispatcher hands jobs to a worker process through RabbitMQ.
type QueueDispatcher struct {
	sender Sender
	queue  string
}

func NewQueueDispatcher(s Sender, qName string) *QueueDispatcher {
	if qName == "" {
		qName = DefaultQueue
	}
	return &QueueDispatcher{sender: s, queue: qName}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, jobID uint) error {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return err
	}
	return d.sender.Send(ctx, d.queue, body)
}

// Handler decodes queued job messages and runs them.
func Handler(r Runner) queue.Handler {
	return func(ctx context.Context, body []byte) {
		var msg JobMessage
		if err := json.Unmarshal(body, &msg); err != nil || msg.JobID == 0 {
			slog.Warn("Dropping malformed job message", "body", string(body), "error", err)
			return
		}
		if err := r.Run(context.WithoutCancel(ctx), msg.JobID); err != nil {
			slog.Warn("Scan job ended with error", "job_id", msg.JobID, "error", err)
		}
	}
}

// Consume runs queued jobs until ctx is cancelled.
func Consume(ctx context.Context, c *queue.Client, qName string, r Runner) {
	if qName == "" {
		qName = DefaultQueue
	}
	slog.Info("Worker consuming scan jobs", "queue", qName)
	c.ListenWithRetry(ctx, qName, Handler(r))
}
