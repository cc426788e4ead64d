package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kestrelsec/reconforge/internal/queue"
	"github.com/kestrelsec/reconforge/internal/recon"
	"github.com/kestrelsec/reconforge/internal/storage"
)

type fakeModule struct {
	name string
	run  func(ctx context.Context, req recon.Request) (*recon.Result, error)
}

func (m *fakeModule) Name() string    { return m.name }
func (m *fakeModule) Version() string { return "1.0.0" }
func (m *fakeModule) Run(ctx context.Context, req recon.Request) (*recon.Result, error) {
	return m.run(ctx, req)
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "reconforge.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	q := queue.New(db)
	q.SetBackoffBase(time.Millisecond)
	return q
}

func newRegistry(t *testing.T, mods ...recon.Module) *recon.Registry {
	t.Helper()
	factories := make([]recon.Factory, 0, len(mods))
	for _, m := range mods {
		m := m
		factories = append(factories, recon.Factory{
			Name: m.Name(),
			New:  func() (recon.Module, error) { return m, nil },
		})
	}
	return recon.Build(factories, nil)
}

func enqueueAndClaim(t *testing.T, q *queue.Queue, module string) *queue.Job {
	t.Helper()
	id, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		Workspace: "default", Module: module, Target: "example.com", OutDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.Claim(context.Background())
	if err != nil || job == nil || job.ID != id {
		t.Fatalf("Claim: job=%v err=%v", job, err)
	}
	return job
}

func TestExecuteJobSuccess(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	mod := &fakeModule{name: "echo", run: func(ctx context.Context, req recon.Request) (*recon.Result, error) {
		return &recon.Result{
			Module: "echo", Version: "1.0.0", Target: req.Target,
			Status:    recon.StatusCompleted,
			StartedAt: time.Now(), EndedAt: time.Now(),
			Summary: map[string]any{"count": 1},
		}, nil
	}}

	d := New(q, newRegistry(t, mod), nil, nil, Config{})
	job := enqueueAndClaim(t, q, "echo")

	d.executeJob(job)

	got, err := q.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != queue.StatusFinished {
		t.Fatalf("expected finished, got %s (last_error=%v)", got.Status, got.LastError)
	}

	var envelope recon.Result
	if err := json.Unmarshal(got.Result, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Status != recon.StatusCompleted || envelope.Module != "echo" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
}

func TestExecuteJobUnknownModuleIsTerminalFailure(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	d := New(q, newRegistry(t), nil, nil, Config{})
	job := enqueueAndClaim(t, q, "ghost")

	d.executeJob(job)

	got, _ := q.Get(context.Background(), job.ID)
	if got.Status != queue.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.LastError == nil || *got.LastError == "" {
		t.Fatal("expected configuration error recorded")
	}
}

func TestExecuteJobModulePanicBecomesFailure(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	mod := &fakeModule{name: "boom", run: func(ctx context.Context, req recon.Request) (*recon.Result, error) {
		panic("defective module")
	}}
	d := New(q, newRegistry(t, mod), nil, nil, Config{})
	job := enqueueAndClaim(t, q, "boom")

	// Must not crash the test process.
	d.executeJob(job)

	got, _ := q.Get(context.Background(), job.ID)
	// First attempt of three: the job goes back to queued for redelivery.
	if got.Status != queue.StatusQueued {
		t.Fatalf("expected requeue after panic, got %s", got.Status)
	}
	if got.LastError == nil {
		t.Fatal("expected panic recorded as last_error")
	}
}

func TestExecuteJobTransientErrorRequeues(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	mod := &fakeModule{name: "flaky", run: func(ctx context.Context, req recon.Request) (*recon.Result, error) {
		return nil, &recon.TransientError{Op: "probe", Err: errors.New("connection reset")}
	}}
	d := New(q, newRegistry(t, mod), nil, nil, Config{})
	job := enqueueAndClaim(t, q, "flaky")

	d.executeJob(job)

	got, _ := q.Get(context.Background(), job.ID)
	if got.Status != queue.StatusQueued {
		t.Fatalf("expected requeue, got %s", got.Status)
	}
}

func TestExecuteJobValidationErrorIsTerminal(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	mod := &fakeModule{name: "picky", run: func(ctx context.Context, req recon.Request) (*recon.Result, error) {
		return nil, &recon.ValidationError{Field: "target", Reason: "not a domain"}
	}}
	d := New(q, newRegistry(t, mod), nil, nil, Config{})
	job := enqueueAndClaim(t, q, "picky")

	d.executeJob(job)

	got, _ := q.Get(context.Background(), job.ID)
	if got.Status != queue.StatusFailed {
		t.Fatalf("validation errors must not retry, got %s", got.Status)
	}
}

func TestExecuteJobTimeoutCancelsModule(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	observedCancel := make(chan struct{})

	mod := &fakeModule{name: "hang", run: func(ctx context.Context, req recon.Request) (*recon.Result, error) {
		<-ctx.Done()
		close(observedCancel)
		return nil, ctx.Err()
	}}
	d := New(q, newRegistry(t, mod), nil, nil, Config{JobTimeout: 50 * time.Millisecond})
	job := enqueueAndClaim(t, q, "hang")

	d.executeJob(job)

	select {
	case <-observedCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("module never observed cancellation")
	}

	// A hung module will hang on every attempt; the timeout must be terminal,
	// not a requeue that burns the full attempt budget.
	got, _ := q.Get(context.Background(), job.ID)
	if got.Status != queue.StatusFailed {
		t.Fatalf("expected terminal failure after timeout, got %s", got.Status)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, "wall-clock budget") {
		t.Fatalf("expected timeout error recorded, got %v", got.LastError)
	}
}

func TestStartGracefulShutdownFinishesClaimedJob(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)

	started := make(chan struct{})
	release := make(chan struct{})
	mod := &fakeModule{name: "slow", run: func(ctx context.Context, req recon.Request) (*recon.Result, error) {
		close(started)
		<-release
		return &recon.Result{
			Module: "slow", Version: "1.0.0", Target: req.Target, Status: recon.StatusCompleted,
		}, nil
	}}

	d := New(q, newRegistry(t, mod), nil, nil, Config{
		Workers: 1, TickInterval: 10 * time.Millisecond,
	})

	id, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		Workspace: "default", Module: "slow", Target: "example.com", OutDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan error, 1)
	go func() { doneCh <- d.Start(ctx) }()

	<-started
	// Shutdown requested mid-execution: the worker must finish and report.
	cancel()
	close(release)

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	got, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != queue.StatusFinished {
		t.Fatalf("claimed job must be finished on graceful shutdown, got %s", got.Status)
	}
}
