// Package ingest drives an uploaded scan document through parsing,
// candidate extraction, enrichment and persistence, reporting progress
// along the way.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/events"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/extractor"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/notify"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/parser"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/postgres"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/progress"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/snapshot"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/telemetry"
)

const (
	DefaultMaxFileSize = 10 << 20
	// DefaultConcurrency bounds how many candidates of one service are
	// enriched at once.
	DefaultConcurrency = 4
)

var (
	ErrEmptyDocument   = errors.New("uploaded file is empty")
	ErrFileTooLarge    = errors.New("uploaded file exceeds the maximum size")
	ErrInvalidEncoding = errors.New("uploaded file is not valid UTF-8 text")
	ErrUnsupportedType = errors.New("only .xml scan files are supported")
)

// Upload is a scan document submitted by an owner.
type Upload struct {
	OwnerID  string
	Filename string
	Data     []byte
}

// JobStore is the persistence the orchestrator needs.
type JobStore interface {
	Create(ctx context.Context, job *postgres.ScanJob) error
	Get(ctx context.Context, id uint) (*postgres.ScanJob, error)
	UpdateStatus(ctx context.Context, id uint, status vulnpatch.ScanStatus) error
	SaveParsed(ctx context.Context, id uint, parsed postgres.JSONB) error
	Fail(ctx context.Context, id uint, message string) error
	Complete(ctx context.Context, id uint, vulns []postgres.Vulnerability) error
}

// Enricher fills in a candidate's external data. It never fails.
type Enricher interface {
	Enrich(ctx context.Context, cand vulnpatch.VulnerabilityCandidate) vulnpatch.EnrichedFields
}

// Progress receives job progress. *progress.Hub and *relay.Publisher both
// satisfy it.
type Progress interface {
	Publish(owner string, ev vulnpatch.ProgressEvent) bool
	Send(owner string, msg progress.Message)
	Alert(owner string, a progress.Alert)
}

// Snapshots records an owner's state after a completed job.
type Snapshots interface {
	Create(ctx context.Context, owner string) (*snapshot.Snapshot, error)
}

// Dispatcher hands a queued job to whatever will run it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID uint) error
}

// Orchestrator owns the job lifecycle.
type Orchestrator struct {
	jobs        JobStore
	enricher    Enricher
	progress    Progress
	extractor   *extractor.Extractor
	recorder    *events.Recorder
	notifier    notify.Notifier
	snapshots   Snapshots
	dispatcher  Dispatcher
	maxFileSize int64
	concurrency int
	now         func() time.Time
}

type Option func(*Orchestrator)

func WithMaxFileSize(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxFileSize = n
		}
	}
}

func WithExtractor(e *extractor.Extractor) Option {
	return func(o *Orchestrator) { o.extractor = e }
}

func WithRecorder(r *events.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithSnapshots(s Snapshots) Option {
	return func(o *Orchestrator) { o.snapshots = s }
}

func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func New(jobs JobStore, enricher Enricher, prog Progress, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		jobs:        jobs,
		enricher:    enricher,
		progress:    prog,
		extractor:   extractor.New(extractor.DefaultRules),
		notifier:    notify.Noop{},
		maxFileSize: DefaultMaxFileSize,
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetDispatcher sets where Submit sends new jobs. Without one, Submit only
// creates the job.
func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.dispatcher = d
}

// MaxFileSize is the largest accepted upload in bytes.
func (o *Orchestrator) MaxFileSize() int64 { return o.maxFileSize }

// Validate checks an upload without creating a job.
func (o *Orchestrator) Validate(up Upload) error {
	if !strings.EqualFold(filepath.Ext(up.Filename), ".xml") {
		return ErrUnsupportedType
	}
	if len(up.Data) == 0 {
		return ErrEmptyDocument
	}
	if int64(len(up.Data)) > o.maxFileSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, len(up.Data), o.maxFileSize)
	}
	if !utf8.Valid(up.Data) {
		return ErrInvalidEncoding
	}
	return nil
}

// Submit validates up, creates a queued job, reports 0% and dispatches it.
// A rejected upload creates no job.
func (o *Orchestrator) Submit(ctx context.Context, up Upload) (*postgres.ScanJob, error) {
	if err := o.Validate(up); err != nil {
		return nil, err
	}

	job := &postgres.ScanJob{
		OwnerID:  up.OwnerID,
		Filename: filepath.Base(up.Filename),
		FileSize: int64(len(up.Data)),
		Status:   vulnpatch.StatusQueued,
		RawData:  string(up.Data),
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	slog.Info("Scan job queued", "job_id", job.ID, "owner_id", job.OwnerID, "filename", job.Filename, "size", job.FileSize)
	o.progress.Publish(job.OwnerID, vulnpatch.ProgressEvent{
		JobID:   job.ID,
		Stage:   vulnpatch.StatusQueued,
		Message: "Processing scan: " + job.Filename,
	})
	o.recorder.Record(events.Entry{
		OwnerID:    job.OwnerID,
		EventType:  postgres.EventTypeScanQueued,
		Title:      "Scan queued: " + job.Filename,
		EntityType: postgres.EntityTypeScan,
		EntityID:   strconv.FormatUint(uint64(job.ID), 10),
		Metadata:   map[string]any{"file_size": job.FileSize},
	})

	if o.dispatcher != nil {
		if err := o.dispatcher.Dispatch(ctx, job.ID); err != nil {
			r := o.newRun(job)
			r.fail(context.WithoutCancel(ctx), "Failed to schedule scan: "+err.Error())
			return job, fmt.Errorf("dispatch job %d: %w", job.ID, err)
		}
	}
	return job, nil
}

// Run processes a queued job to completion or failure. The job is never
// retried; its outcome is recorded on the job and published as progress.
func (o *Orchestrator) Run(ctx context.Context, jobID uint) (err error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != vulnpatch.StatusQueued {
		return fmt.Errorf("job %d is %s: %w", jobID, job.Status, vulnpatch.ErrInvalidTransition)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "ingest.run")
	defer span.End()
	span.SetAttributes(attribute.Int("job_id", int(jobID)), attribute.String("owner_id", job.OwnerID))

	r := o.newRun(job)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Scan pipeline panicked", "job_id", jobID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("job %d panicked: %v", jobID, p)
			r.fail(ctx, fmt.Sprintf("Scan processing failed: %v", p))
		}
		telemetry.IngestDuration.Observe(time.Since(r.started).Seconds())
	}()

	return r.execute(ctx)
}

type run struct {
	o        *Orchestrator
	job      *postgres.ScanJob
	started  time.Time
	progress int
	stage    vulnpatch.ScanStatus
}

func (o *Orchestrator) newRun(job *postgres.ScanJob) *run {
	return &run{o: o, job: job, started: o.now(), stage: job.Status}
}

func (r *run) entityID() string { return strconv.FormatUint(uint64(r.job.ID), 10) }

func (r *run) emit(pct int, msg string) {
	r.progress = pct
	r.o.progress.Publish(r.job.OwnerID, vulnpatch.ProgressEvent{
		JobID:    r.job.ID,
		Progress: pct,
		Stage:    r.stage,
		Message:  msg,
	})
}

func (r *run) advance(ctx context.Context, next vulnpatch.ScanStatus) error {
	if err := r.o.jobs.UpdateStatus(ctx, r.job.ID, next); err != nil {
		return fmt.Errorf("move job to %s: %w", next, err)
	}
	r.stage = next
	return nil
}

func (r *run) execute(ctx context.Context) error {
	if err := r.advance(ctx, vulnpatch.StatusParsing); err != nil {
		return r.fail(ctx, err.Error())
	}
	r.emit(0, "Parsing XML file...")
	r.o.recorder.Record(events.Entry{
		OwnerID:    r.job.OwnerID,
		EventType:  postgres.EventTypeScanStarted,
		Title:      "Scan processing started: " + r.job.Filename,
		EntityType: postgres.EntityTypeScan,
		EntityID:   r.entityID(),
	})

	parsed, err := parser.Parse([]byte(r.job.RawData))
	if err != nil {
		return r.fail(ctx, "Parsing failed: "+err.Error())
	}
	if doc, err := toJSONB(parsed); err != nil {
		return r.fail(ctx, err.Error())
	} else if err := r.o.jobs.SaveParsed(ctx, r.job.ID, doc); err != nil {
		return r.fail(ctx, err.Error())
	}

	if err := r.advance(ctx, vulnpatch.StatusExtracting); err != nil {
		return r.fail(ctx, err.Error())
	}
	r.emit(10, "Extracting vulnerabilities...")
	groups := r.o.group(parsed.Services)

	if err := r.advance(ctx, vulnpatch.StatusAnalyzing); err != nil {
		return r.fail(ctx, err.Error())
	}
	r.emit(30, fmt.Sprintf("Analyzing %d services...", len(groups)))

	var vulns []postgres.Vulnerability
	for i, g := range groups {
		found, err := r.o.enrichGroup(ctx, r.job.ID, g)
		if err != nil {
			return r.fail(ctx, err.Error())
		}
		vulns = append(vulns, found...)
		r.emit(30+40*(i+1)/len(groups), fmt.Sprintf("Analyzing service %d/%d: %s", i+1, len(groups), g[0].Service.Name))
	}

	if err := r.advance(ctx, vulnpatch.StatusSaving); err != nil {
		return r.fail(ctx, err.Error())
	}
	r.emit(80, "Saving scan results...")

	summary := vulnpatch.ResultSummary{ServicesAnalyzed: len(parsed.Services)}
	for _, v := range vulns {
		summary.Count(v.Severity)
	}
	if err := r.o.jobs.Complete(ctx, r.job.ID, vulns); err != nil {
		return r.fail(ctx, err.Error())
	}
	r.stage = vulnpatch.StatusCompleted
	r.complete(ctx, summary, vulns)
	return nil
}

// group returns the candidates of each service that has any, in service
// order.
func (o *Orchestrator) group(services []vulnpatch.ObservedService) [][]vulnpatch.VulnerabilityCandidate {
	var groups [][]vulnpatch.VulnerabilityCandidate
	for _, svc := range services {
		if cands := o.extractor.ForService(svc); len(cands) > 0 {
			groups = append(groups, cands)
		}
	}
	return groups
}

// enrichGroup enriches one service's candidates with bounded concurrency,
// keeping candidate order.
func (o *Orchestrator) enrichGroup(ctx context.Context, jobID uint, cands []vulnpatch.VulnerabilityCandidate) ([]postgres.Vulnerability, error) {
	out := make([]postgres.Vulnerability, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, cand := range cands {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("enrichment of %s:%d panicked: %v", cand.Service.Name, cand.Service.Port, p)
				}
			}()
			fields := o.enricher.Enrich(gctx, cand)
			out[i] = postgres.FromEnriched(jobID, cand, fields)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

func (r *run) complete(ctx context.Context, summary vulnpatch.ResultSummary, vulns []postgres.Vulnerability) {
	owner := r.job.OwnerID
	slog.Info("Scan job completed", "job_id", r.job.ID, "owner_id", owner,
		"vulnerabilities", summary.TotalVulnerabilities, "critical", summary.CriticalCount,
		"duration", time.Since(r.started))
	telemetry.IngestJobs.WithLabelValues(string(vulnpatch.StatusCompleted)).Inc()

	r.o.progress.Publish(owner, vulnpatch.ProgressEvent{
		JobID:    r.job.ID,
		Progress: 100,
		Stage:    vulnpatch.StatusCompleted,
		Message:  fmt.Sprintf("Scan completed: %d vulnerabilities found", summary.TotalVulnerabilities),
		Result:   &summary,
	})

	for _, v := range vulns {
		if v.Severity != vulnpatch.SeverityCritical {
			continue
		}
		r.o.progress.Alert(owner, progress.Alert{
			Severity: "critical",
			Title:    "Critical Vulnerability Detected",
			JobID:    r.job.ID,
			Vulnerability: progress.AlertedFinding{
				ServiceName: v.ServiceName,
				Version:     v.Version,
				Host:        v.Host,
				Port:        v.Port,
				Description: v.Description,
				CVEID:       v.CVEID,
				Score:       v.CVSSScore,
			},
			ActionRequired: true,
		})
		err := r.o.notifier.NotifyCritical(ctx, notify.Critical{
			OwnerID:     owner,
			JobID:       r.job.ID,
			Filename:    r.job.Filename,
			Host:        v.Host,
			Port:        v.Port,
			ServiceName: v.ServiceName,
			Version:     v.Version,
			CVEID:       v.CVEID,
			Score:       v.CVSSScore,
			Description: v.Description,
		})
		if err != nil {
			slog.Warn("Failed to send critical notification", "job_id", r.job.ID, "error", err)
		}
	}

	r.o.recorder.Record(events.Entry{
		OwnerID:    owner,
		EventType:  postgres.EventTypeScanCompleted,
		Title:      "Scan completed: " + r.job.Filename,
		EntityType: postgres.EntityTypeScan,
		EntityID:   r.entityID(),
		Metadata: map[string]any{
			"total_vulnerabilities": summary.TotalVulnerabilities,
			"critical_count":        summary.CriticalCount,
			"high_count":            summary.HighCount,
			"medium_count":          summary.MediumCount,
			"low_count":             summary.LowCount,
			"services_analyzed":     summary.ServicesAnalyzed,
		},
	})
	if summary.TotalVulnerabilities > 0 {
		severity := postgres.EventSeverityWarning
		if summary.CriticalCount > 0 {
			severity = postgres.EventSeverityCritical
		}
		r.o.recorder.Record(events.Entry{
			OwnerID:    owner,
			EventType:  postgres.EventTypeVulnerabilitiesFound,
			Severity:   severity,
			Title:      fmt.Sprintf("%d vulnerabilities found in %s", summary.TotalVulnerabilities, r.job.Filename),
			EntityType: postgres.EntityTypeScan,
			EntityID:   r.entityID(),
		})
	}

	if r.o.snapshots != nil {
		if _, err := r.o.snapshots.Create(ctx, owner); err != nil {
			slog.Warn("Failed to create snapshot", "owner_id", owner, "error", err)
		}
	}
	r.o.progress.Send(owner, progress.Message{Type: progress.TypeDashboardRefresh, Data: map[string]any{"job_id": r.job.ID}})
}

// fail marks the job failed and publishes the terminal failure. It returns
// an error carrying message for the caller.
func (r *run) fail(ctx context.Context, message string) error {
	owner := r.job.OwnerID
	slog.Error("Scan job failed", "job_id", r.job.ID, "owner_id", owner, "stage", r.stage, "error", message)
	telemetry.IngestJobs.WithLabelValues(string(vulnpatch.StatusFailed)).Inc()

	if err := r.o.jobs.Fail(context.WithoutCancel(ctx), r.job.ID, message); err != nil {
		slog.Error("Failed to record job failure", "job_id", r.job.ID, "error", err)
	}
	r.o.progress.Publish(owner, vulnpatch.ProgressEvent{
		JobID:    r.job.ID,
		Progress: r.progress,
		Stage:    vulnpatch.StatusFailed,
		Message:  "Scan processing failed: " + message,
		Error:    message,
	})
	r.o.recorder.Record(events.Entry{
		OwnerID:     owner,
		EventType:   postgres.EventTypeScanFailed,
		Severity:    postgres.EventSeverityError,
		Title:       "Scan failed: " + r.job.Filename,
		Description: message,
		EntityType:  postgres.EntityTypeScan,
		EntityID:    r.entityID(),
	})
	r.stage = vulnpatch.StatusFailed
	return errors.New(message)
}

func toJSONB(v any) (postgres.JSONB, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode parsed scan: %w", err)
	}
	var out postgres.JSONB
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("encode parsed scan: %w", err)
	}
	return out, nil
}
