// Package executor runs inference jobs from the durable job queue: it
// rebuilds each self-contained payload into a provider model, tools,
// history, and a prompt, drives the agent loop or a single model call,
// and publishes results and memory feedback. Each instance keeps an
// in-process registry of running jobs so the cancellation broadcast can
// reach the one executor actually running a job.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/llm"
	"github.com/loomery/loom/pkg/metrics"
	"github.com/loomery/loom/pkg/models"
	"github.com/loomery/loom/pkg/rpc"
)

// Collaborator surfaces, satisfied by the pkg/rpc service clients.
type ToolExecClient interface {
	ExecuteTools(ctx context.Context, req *rpc.ExecuteToolsRequest) (*rpc.ExecuteToolsResponse, error)
}

type FileContentClient interface {
	GetFileContent(ctx context.Context, req *rpc.GetFileContentRequest) (*models.FileContentResponse, error)
}

// ModelFactory constructs the provider model for a job. llm.New is the
// production factory; tests swap in a scripted model.
type ModelFactory func(ctx context.Context, spec llm.Spec) (llms.Model, error)

// Deps bundles the executor's collaborators.
type Deps struct {
	Bus   *bus.Client
	Tools ToolExecClient
	Files FileContentClient

	// Results defaults to publishing through Bus when nil.
	Results bus.Publisher

	// Models defaults to llm.New when nil.
	Models ModelFactory
}

// jobHandle is one running job's registry entry. userCancelled
// distinguishes a user-initiated cancel from a shutdown cancel, which
// settle the queue message differently.
type jobHandle struct {
	userID        uuid.UUID
	cancel        context.CancelFunc
	userCancelled bool
}

// Executor consumes the inference job queue with a fixed number of
// worker subscriptions, one in-flight job per worker.
type Executor struct {
	bus      *bus.Client
	results  *ResultPublisher
	pipeline *pipeline
	cfg      *config.ExecutorConfig

	// Running job registry: job_id -> handle. Guarded because the
	// cancellation listener reads it from its own goroutine.
	mu   sync.RWMutex
	jobs map[uuid.UUID]*jobHandle

	// jobsCtx outlives the subscription context so in-flight jobs
	// survive the start of a graceful shutdown.
	jobsCtx    context.Context
	jobsCancel context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

// New creates an executor. Start must be called to begin consuming.
func New(deps Deps, cfg *config.ExecutorConfig) *Executor {
	if deps.Models == nil {
		deps.Models = llm.New
	}
	if deps.Results == nil {
		deps.Results = deps.Bus
	}
	jobsCtx, jobsCancel := context.WithCancel(context.Background())
	return &Executor{
		bus:        deps.Bus,
		results:    NewResultPublisher(deps.Results),
		pipeline:   &pipeline{files: deps.Files, tools: deps.Tools, models: deps.Models},
		cfg:        cfg,
		jobs:       make(map[uuid.UUID]*jobHandle),
		jobsCtx:    jobsCtx,
		jobsCancel: jobsCancel,
	}
}

// Start spawns the worker subscriptions and the cancellation listener.
// Consumption stops when ctx is cancelled; running jobs keep going
// until Stop decides their fate.
func (e *Executor) Start(ctx context.Context) {
	if e.started {
		slog.Warn("Executor already started, ignoring duplicate Start call")
		return
	}
	e.started = true

	slog.Info("Starting inference executor",
		"queue", e.cfg.Queue, "prefetch", e.cfg.Prefetch, "max_iterations", e.cfg.MaxIterations)

	for i := 0; i < e.cfg.Prefetch; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.consumeJobs(ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.listenForCancellations(ctx)
	}()
}

// consumeJobs binds one worker subscription to the job queue,
// reconnecting with a fixed delay on subscription failure.
func (e *Executor) consumeJobs(ctx context.Context) {
	for {
		err := e.bus.Subscribe(ctx, bus.SubscribeOptions{
			Exchange: models.ExchangeInference,
			Queue:    e.cfg.Queue,
			Bindings: []string{models.KeyInferenceJobStart},
			Handler:  e.handleJob,
		})
		if ctx.Err() != nil {
			return
		}
		slog.Error("Job queue subscription failed, retrying in 5s", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// listenForCancellations consumes the job-control fanout on a
// per-instance feed. Only the instance actually running a job reacts.
func (e *Executor) listenForCancellations(ctx context.Context) {
	for {
		err := e.bus.BroadcastSubscribe(ctx, models.ExchangeJobControl, func(_ context.Context, d bus.Delivery) error {
			var msg models.CancelMessage
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				return fmt.Errorf("decode cancellation broadcast: %w", err)
			}
			if msg.JobID == uuid.Nil || msg.UserID == uuid.Nil {
				return nil
			}
			e.cancelLocal(msg)
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		slog.Error("Cancellation listener lost its feed, retrying in 5s", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// cancelLocal reacts to a cancellation broadcast: jobs not running on
// this instance are ignored, and the recorded owner must match the
// requesting user before the job context is cancelled.
func (e *Executor) cancelLocal(msg models.CancelMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.jobs[msg.JobID]
	if !ok {
		return
	}
	if h.userID != msg.UserID {
		slog.Error("Unauthorized cancellation attempt ignored",
			"job_id", msg.JobID, "owner", h.userID, "requester", msg.UserID)
		return
	}

	h.userCancelled = true
	h.cancel()
	slog.Warn("Cancellation signal delivered to local job", "job_id", msg.JobID)
}

// Stop drains the executor: consumption has already ceased via the
// Start context, running jobs get the grace period, and whatever is
// still running afterwards is cancelled so another instance can claim
// the queue messages.
func (e *Executor) Stop() {
	active := e.activeJobIDs()
	if len(active) > 0 {
		slog.Info("Waiting for running jobs to complete",
			"count", len(active), "job_ids", active, "grace", e.cfg.GracefulShutdownTimeout)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.GracefulShutdownTimeout):
		slog.Warn("Graceful shutdown timed out, cancelling running jobs",
			"job_ids", e.activeJobIDs())
		e.jobsCancel()
		<-done
	}
	e.jobsCancel()

	slog.Info("Executor stopped")
}

// handleJob processes one queue delivery end to end. Settlement rules:
// malformed payloads are dropped, user-cancelled and successful jobs
// are acked, deterministic failures are dropped after an error result,
// and transient failures stay pending for redelivery.
func (e *Executor) handleJob(_ context.Context, d bus.Delivery) error {
	job, err := parseJob(d.Body)
	if err != nil {
		slog.Error("Job payload is malformed, discarding", "id", d.ID, "error", err)
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}

	jobCtx, cancel := context.WithCancel(e.jobsCtx)
	defer cancel()

	h := &jobHandle{userID: job.UserID, cancel: cancel}
	if !e.register(job.JobID, h) {
		slog.Warn("Job already running on this instance, dropping duplicate delivery",
			"job_id", job.JobID, "id", d.ID)
		return bus.ErrDrop
	}
	defer e.deregister(job.JobID)

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()
	slog.Info("Job registered",
		"job_id", job.JobID, "user_id", job.UserID, "mode", job.Output.Mode, "attempt", d.Attempt)

	err = e.process(jobCtx, job)
	// Result publishes must outlive the job context on the failure
	// paths below.
	pubCtx := context.WithoutCancel(jobCtx)
	switch {
	case err == nil:
		metrics.JobsTotal.WithLabelValues("success").Inc()
		slog.Info("Job finished", "job_id", job.JobID)
		return nil

	case jobCtx.Err() != nil && e.wasUserCancelled(job.JobID):
		slog.Warn("Job interrupted by cancellation signal", "job_id", job.JobID)
		e.results.Error(pubCtx, job.JobID, "Job was cancelled by the user.")
		metrics.JobsTotal.WithLabelValues("cancelled").Inc()
		return nil

	case jobCtx.Err() != nil:
		// Shutdown took the job down mid-run. Leave the message
		// pending so another instance picks it up.
		slog.Warn("Job interrupted by shutdown, leaving delivery pending", "job_id", job.JobID)
		return err

	default:
		slog.Error("Job failed", "job_id", job.JobID, "error", err)
		e.results.Error(pubCtx, job.JobID, clientErrorMessage(err))
		metrics.JobsTotal.WithLabelValues("error").Inc()
		if isDeterministicFailure(err) {
			return fmt.Errorf("%w: %v", bus.ErrDrop, err)
		}
		return err
	}
}

// process runs the build pipeline and the model execution, then the
// memory feedback. The final content has already been published by the
// time process returns.
func (e *Executor) process(ctx context.Context, job *models.JobPayload) error {
	bc, err := e.pipeline.build(ctx, job)
	if err != nil {
		return err
	}

	final, err := e.run(ctx, bc)
	if err != nil {
		return err
	}

	e.results.MemoryUpdate(ctx, job, final, bc.fileContents)
	return nil
}

// parseJob strictly extracts the typed payload. Anything that cannot
// identify a job and its owner is malformed and never retried.
func parseJob(body []byte) (*models.JobPayload, error) {
	var job models.JobPayload
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	if job.JobID == uuid.Nil {
		return nil, fmt.Errorf("job payload has no job_id")
	}
	if job.UserID == uuid.Nil {
		return nil, fmt.Errorf("job %s has no user_id", job.JobID)
	}
	return &job, nil
}

// clientErrorMessage is what the waiting client sees. Deterministic
// errors carry their own story; infrastructure detail stays in the
// logs.
func clientErrorMessage(err error) string {
	if isDeterministicFailure(err) {
		return err.Error()
	}
	return "An unexpected internal executor error occurred."
}

// isDeterministicFailure reports whether retrying the job would fail
// identically, which makes redelivery pointless.
func isDeterministicFailure(err error) bool {
	switch errkind.KindOf(err) {
	case errkind.KindValidation, errkind.KindPermission, errkind.KindNotFound:
		return true
	default:
		return false
	}
}

func (e *Executor) register(jobID uuid.UUID, h *jobHandle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.jobs[jobID]; exists {
		return false
	}
	e.jobs[jobID] = h
	return true
}

func (e *Executor) deregister(jobID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.jobs, jobID)
}

func (e *Executor) wasUserCancelled(jobID uuid.UUID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.jobs[jobID]
	return ok && h.userCancelled
}

func (e *Executor) activeJobIDs() []uuid.UUID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(e.jobs))
	for id := range e.jobs {
		ids = append(ids, id)
	}
	return ids
}
