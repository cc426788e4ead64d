package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelsec/reconforge/internal/events"
	"github.com/kestrelsec/reconforge/internal/log"
	"github.com/kestrelsec/reconforge/internal/metrics"
	"github.com/kestrelsec/reconforge/internal/queue"
	"github.com/kestrelsec/reconforge/internal/recon"
)

// Config controls the worker pool and job budgets.
type Config struct {
	Workers      int
	TickInterval time.Duration
	JobTimeout   time.Duration
	Retention    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// Dispatcher owns the worker pool. Workers pull from the shared queue;
// claims are mutually exclusive because the queue enforces them.
type Dispatcher struct {
	queue    *queue.Queue
	registry *recon.Registry
	events   *events.Hub
	metrics  *metrics.Metrics
	cfg      Config
	logger   *slog.Logger
}

// New creates a Dispatcher. hub and m may be nil when events or metrics are
// not wired (tests, one-shot CLI runs).
func New(q *queue.Queue, reg *recon.Registry, hub *events.Hub, m *metrics.Metrics, cfg Config) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		registry: reg,
		events:   hub,
		metrics:  m,
		cfg:      cfg.withDefaults(),
		logger:   log.WithComponent("dispatch"),
	}
}

// Start recovers orphaned jobs, then runs the worker pool and housekeeping
// loop until ctx is cancelled. It blocks; on cancellation every worker
// finishes its currently claimed job before Start returns.
func (d *Dispatcher) Start(ctx context.Context) error {
	requeued, err := d.queue.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	if requeued > 0 {
		d.logger.Warn("requeued orphaned jobs from previous run", "count", requeued)
	}

	d.logger.Info("dispatch pool starting", "workers", d.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.workerLoop(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.housekeepingLoop(ctx)
	}()

	wg.Wait()
	d.logger.Info("dispatch pool stopped")
	return ctx.Err()
}

// workerLoop is one worker: Idle -> ClaimJob -> Dispatch -> Running ->
// ReportResult -> Idle. Exits only between jobs.
func (d *Dispatcher) workerLoop(ctx context.Context, id int) {
	logger := d.logger.With("worker", id)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				if ctx.Err() != nil {
					return
				}
				job, err := d.queue.Claim(ctx)
				if err != nil {
					logger.Error("failed to claim job", "error", err)
					break
				}
				if job == nil {
					break
				}
				d.executeJob(job)
			}
		}
	}
}

// housekeepingLoop prunes expired terminal jobs and refreshes the queue
// depth gauge.
func (d *Dispatcher) housekeepingLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := d.queue.Prune(ctx, d.cfg.Retention)
			if err != nil {
				d.logger.Error("failed to prune expired jobs", "error", err)
			} else if pruned > 0 {
				d.logger.Info("pruned expired job records", "count", pruned)
			}

			if d.metrics != nil {
				if depth, err := d.queue.Depth(ctx); err == nil {
					d.metrics.JobsPending.Set(float64(depth))
				}
			}
		}
	}
}

// executeJob runs one claimed job to a terminal state. It deliberately does
// not inherit the pool's shutdown context: a claimed job is finished and
// reported even while the pool is draining. The job's own wall-clock budget
// is the only thing that cancels it.
func (d *Dispatcher) executeJob(job *queue.Job) {
	jobLogger := log.WithJob(job.ID).With("module", job.Module, "target", job.Target)
	jobLogger.Info("executing job", "attempt", job.Attempt)

	d.events.JobStarted(job.ID, job.Module, job.Attempt)
	if d.metrics != nil {
		d.metrics.JobsInFlight.Inc()
		defer d.metrics.JobsInFlight.Dec()
	}

	desc, ok := d.registry.Resolve(job.Module)
	if !ok {
		cfgErr := &recon.ConfigError{Reason: fmt.Sprintf("module %q not found in registry", job.Module)}
		jobLogger.Error("module resolution failed", "error", cfgErr)
		d.failTerminal(job, cfgErr.Error())
		return
	}

	var options map[string]any
	if len(job.Options) > 0 {
		if err := json.Unmarshal(job.Options, &options); err != nil {
			d.failTerminal(job, fmt.Sprintf("malformed job options: %v", err))
			return
		}
	}

	start := time.Now()
	result, runErr := d.runModule(desc.Module, recon.Request{
		Target:  job.Target,
		OutDir:  job.OutDir,
		Execute: true,
		Options: options,
	}, jobLogger)
	duration := time.Since(start)

	if d.metrics != nil {
		d.metrics.JobDuration.Observe(duration.Seconds())
	}

	if runErr != nil {
		jobLogger.Warn("job attempt failed", "error", runErr, "duration", duration)
		switch {
		case errors.Is(runErr, context.DeadlineExceeded):
			// Exhausting the wall-clock budget is terminal. A module that hung
			// once will hang again; retrying multiplies the budget.
			d.failTerminal(job, runErr.Error())
		case recon.IsValidation(runErr) || recon.IsDependency(runErr) || recon.IsConfig(runErr):
			// Caller-fault and missing-tool errors cannot be fixed by retrying.
			d.failTerminal(job, runErr.Error())
		default:
			d.fail(job, runErr.Error())
		}
		return
	}

	result.PruneArtifacts()
	if err := result.Validate(); err != nil {
		d.failTerminal(job, fmt.Sprintf("module returned invalid envelope: %v", err))
		return
	}

	envelope, err := json.Marshal(result)
	if err != nil {
		d.failTerminal(job, fmt.Sprintf("encode result envelope: %v", err))
		return
	}

	if err := d.queue.Complete(context.Background(), job.ID, envelope); err != nil {
		jobLogger.Error("failed to record job completion", "error", err)
		return
	}

	jobLogger.Info("job finished", "status", result.Status, "duration", duration)
	d.events.JobFinished(job.ID, job.Module, string(result.Status))
	if d.metrics != nil {
		d.metrics.JobsFinished.WithLabelValues(job.Module).Inc()
	}
}

// runModule invokes the module under the job's wall-clock budget. A module
// that hangs past the budget is abandoned: its context is cancelled so
// in-flight processes and connections abort, and the job is marked failed
// regardless of whatever the module does afterwards. A panic inside Run is
// converted into an error here, at the dispatch boundary.
func (d *Dispatcher) runModule(mod recon.Module, req recon.Request, logger *slog.Logger) (*recon.Result, error) {
	runCtx, cancel := context.WithTimeout(context.Background(), d.cfg.JobTimeout)
	defer cancel()

	type outcome struct {
		result *recon.Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("module panicked: %v", r)}
			}
		}()
		res, err := mod.Run(runCtx, req)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-runCtx.Done():
		cancel()
		// Give the module a moment to observe cancellation and return, so
		// its partial result is not racing the failure report.
		grace := time.NewTimer(5 * time.Second)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			logger.Warn("module did not return after cancellation")
		}
		return nil, fmt.Errorf("job exceeded wall-clock budget of %v: %w", d.cfg.JobTimeout, context.DeadlineExceeded)
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if out.result == nil {
			return nil, fmt.Errorf("module returned nil result")
		}
		return out.result, nil
	}
}

func (d *Dispatcher) fail(job *queue.Job, msg string) {
	if err := d.queue.Fail(context.Background(), job.ID, msg); err != nil {
		d.logger.Error("failed to record job failure", "job_id", job.ID, "error", err)
	}
	d.events.JobFailed(job.ID, job.Module, msg, false)
	if d.metrics != nil {
		d.metrics.JobsFailed.WithLabelValues(job.Module).Inc()
	}
}

func (d *Dispatcher) failTerminal(job *queue.Job, msg string) {
	if err := d.queue.FailTerminal(context.Background(), job.ID, msg); err != nil {
		d.logger.Error("failed to record terminal job failure", "job_id", job.ID, "error", err)
	}
	d.events.JobFailed(job.ID, job.Module, msg, true)
	if d.metrics != nil {
		d.metrics.JobsFailed.WithLabelValues(job.Module).Inc()
	}
}
