package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agrovision/riceguard/internal/account"
	"github.com/agrovision/riceguard/internal/history"
	"github.com/agrovision/riceguard/internal/logger"
	"github.com/agrovision/riceguard/internal/metrics"
	"github.com/agrovision/riceguard/internal/notify"
	"github.com/agrovision/riceguard/pkg/types"
)

// Stage identifies where in the pipeline a request failed.
type Stage string

// Pipeline stages in execution order.
const (
	StageAuth   Stage = "auth"
	StageIngest Stage = "ingest"
	StageDetect Stage = "detect"
	StageRender Stage = "render"
	StageNotify Stage = "notify"
)

// ErrUnknownJob is returned by Job for identifiers never issued or already
// evicted.
var ErrUnknownJob = errors.New("unknown job id")

// jobRetention is how long a terminal job stays readable before its entry and
// report are released.
const jobRetention = time.Hour

// Outcome is the result of one detection request. Completed is true when the
// pipeline reached the render stage; the notification outcome arrives later
// through Job lookups.
type Outcome struct {
	Completed    bool
	Stage        Stage // failing stage, empty when Completed
	Err          error
	ArtifactPath string
	Summary      string
	Detections   types.DetectionSet
	Classes      []types.ClassSummary
	JobID        string
}

// Loader decodes an image source into a normalized asset.
type Loader interface {
	Load(src types.Source) (*types.ImageAsset, error)
}

// Detector runs inference and postprocessing over a normalized asset.
type Detector interface {
	Detect(ctx context.Context, asset *types.ImageAsset) (types.DetectionSet, error)
}

// Renderer draws detections and writes the report artifact.
type Renderer interface {
	Render(asset *types.ImageAsset, dets types.DetectionSet) (*types.DetectionReport, error)
}

// Dispatcher delivers a notification job to a terminal status.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *types.NotificationJob) error
}

// Orchestrator runs the detection pipeline for one request at a time per
// caller: authenticate, ingest, detect, render, then dispatch asynchronously.
type Orchestrator struct {
	accounts   *account.Store
	loader     Loader
	detector   Detector
	renderer   Renderer
	dispatcher Dispatcher
	history    *history.Store
	metrics    *metrics.Metrics
	log        *logger.Logger

	jobsMu sync.RWMutex
	jobs   map[string]*types.NotificationJob
	jobTTL time.Duration
	wg     sync.WaitGroup
}

// New wires the pipeline stages together. history and metrics may be nil.
func New(
	accounts *account.Store,
	loader Loader,
	detector Detector,
	renderer Renderer,
	dispatcher Dispatcher,
	hist *history.Store,
	m *metrics.Metrics,
	log *logger.Logger,
) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Orchestrator{
		accounts:   accounts,
		loader:     loader,
		detector:   detector,
		renderer:   renderer,
		dispatcher: dispatcher,
		history:    hist,
		metrics:    m,
		log:        log,
		jobs:       make(map[string]*types.NotificationJob),
		jobTTL:     jobRetention,
	}
}

// Run authenticates the credentials and executes the pipeline. Each stage
// failure short-circuits the rest and is tagged with the stage that failed.
func (o *Orchestrator) Run(ctx context.Context, identifier, password string, src types.Source) Outcome {
	o.metrics.RequestsStarted.Add(1)

	acct, err := o.accounts.Authenticate(identifier, password)
	if err != nil {
		o.metrics.AuthFailures.Add(1)
		o.metrics.RequestsFailed.Add(1)
		o.log.Warn("Session", "authentication failed for %s", identifier)
		return Outcome{Stage: StageAuth, Err: err}
	}
	return o.run(ctx, acct, src)
}

// RunForAccount executes the pipeline for an already-authenticated account,
// e.g. a request carrying a verified session token.
func (o *Orchestrator) RunForAccount(ctx context.Context, acct account.Account, src types.Source) Outcome {
	o.metrics.RequestsStarted.Add(1)
	return o.run(ctx, acct, src)
}

func (o *Orchestrator) run(ctx context.Context, acct account.Account, src types.Source) Outcome {
	start := time.Now()

	asset, err := o.loader.Load(src)
	if err != nil {
		o.metrics.IngestFailures.Add(1)
		o.metrics.RequestsFailed.Add(1)
		return Outcome{Stage: StageIngest, Err: err}
	}

	detStart := time.Now()
	dets, err := o.detector.Detect(ctx, asset)
	if err != nil {
		o.metrics.DetectFailures.Add(1)
		o.metrics.RequestsFailed.Add(1)
		return Outcome{Stage: StageDetect, Err: err}
	}
	o.metrics.UpdateDetectLatency(time.Since(detStart))
	o.metrics.DetectionsFound.Add(uint64(len(dets)))
	for _, d := range dets {
		if notify.IsWeedLabel(d.Label) {
			o.metrics.WeedsFound.Add(1)
		}
	}

	report, err := o.renderer.Render(asset, dets)
	if err != nil {
		o.metrics.RenderFailures.Add(1)
		o.metrics.RequestsFailed.Add(1)
		return Outcome{Stage: StageRender, Err: err}
	}

	o.appendHistory(acct.Identifier, report)
	jobID := o.dispatchAsync(acct, report)

	o.metrics.RequestsCompleted.Add(1)
	o.metrics.UpdatePipelineLatency(time.Since(start))
	o.log.Info("Session", "request for %s completed: %s", acct.Identifier, report.Summary)

	return Outcome{
		Completed:    true,
		ArtifactPath: report.ArtifactPath,
		Summary:      report.Summary,
		Detections:   report.Detections,
		Classes:      report.Classes,
		JobID:        jobID,
	}
}

// appendHistory records the completed detection. History failures are logged
// and never fail the request.
func (o *Orchestrator) appendHistory(identifier string, report *types.DetectionReport) {
	if o.history == nil {
		return
	}
	counts := make(map[string]int, len(report.Classes))
	maxConf := 0.0
	for _, c := range report.Classes {
		counts[c.Label] = c.Count
	}
	for _, d := range report.Detections {
		if d.Confidence > maxConf {
			maxConf = d.Confidence
		}
	}
	rec := history.Record{
		Identifier:    identifier,
		ArtifactPath:  report.ArtifactPath,
		Counts:        counts,
		MaxConfidence: maxConf,
		DetectedAt:    report.CreatedAt,
	}
	if err := o.history.Append(rec); err != nil {
		o.log.Error("Session", "append history for %s: %v", identifier, err)
	}
}

// dispatchAsync registers a notification job and delivers it in the
// background. The request does not wait for the terminal status.
func (o *Orchestrator) dispatchAsync(acct account.Account, report *types.DetectionReport) string {
	job := &types.NotificationJob{
		ID:         uuid.NewString(),
		Recipient:  acct.Identifier,
		FarmerName: acct.Name,
		Location:   acct.Location,
		Report:     report,
		Status:     types.JobPending,
	}

	o.jobsMu.Lock()
	o.jobs[job.ID] = job
	o.jobsMu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// The dispatcher works on a private copy; lookups see the job as
		// pending until its terminal state is published. Delivery outlives
		// the originating HTTP request.
		local := *job
		err := o.dispatcher.Dispatch(context.Background(), &local)

		o.jobsMu.Lock()
		o.jobs[local.ID] = &local
		o.jobsMu.Unlock()

		// Terminal jobs stay readable for the retention window, then the
		// entry and its report are released.
		time.AfterFunc(o.jobTTL, func() {
			o.jobsMu.Lock()
			delete(o.jobs, local.ID)
			o.jobsMu.Unlock()
		})

		o.metrics.SendAttempts.Add(uint64(local.Attempts))
		switch {
		case err != nil:
			o.metrics.AlertsFailed.Add(1)
			o.log.Error("Session", "dispatch job %s: %v", local.ID, err)
		case local.Status == types.JobSuppressed:
			o.metrics.AlertsSuppressed.Add(1)
		default:
			o.metrics.AlertsDelivered.Add(1)
		}
	}()
	return job.ID
}

// Job returns a snapshot of a notification job's current state.
func (o *Orchestrator) Job(id string) (types.NotificationJob, error) {
	o.jobsMu.RLock()
	job, ok := o.jobs[id]
	o.jobsMu.RUnlock()
	if !ok {
		return types.NotificationJob{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return *job, nil
}

// Close drains in-flight dispatches.
func (o *Orchestrator) Close() {
	o.wg.Wait()
}
