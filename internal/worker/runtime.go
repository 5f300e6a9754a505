// Package worker implements the long-running process that drives jobs
// through the pipeline: a bounded-concurrency poll loop built on errgroup,
// plus per-job heartbeat renewal and a graceful shutdown window.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"docpipeline/internal/observability"
	"docpipeline/internal/pipeline"
	"docpipeline/internal/queue"
	"docpipeline/internal/store"
)

// Config tunes the runtime loop.
type Config struct {
	// Concurrency is the maximum number of jobs this process executes at
	// once.
	Concurrency int
	// BatchN is how many due jobs to claim per poll.
	BatchN int
	// PollInterval is the interval between claim polls.
	PollInterval time.Duration
	// HeartbeatEvery is how often an in-flight job's lease is renewed.
	HeartbeatEvery time.Duration
	// ShutdownGrace bounds how long Run waits for in-flight jobs to finish
	// once its context is canceled.
	ShutdownGrace time.Duration
	// Hostname and Version identify this process in worker registration.
	Hostname string
	Version  string
}

// Runtime is one worker process: it claims due jobs, drives each through
// pipeline.Execute, and renews its lease until the job settles.
type Runtime struct {
	Store  *store.Store
	Queue  *queue.Queue
	Deps   *pipeline.Deps
	Config Config
}

// New constructs a Runtime bound to one worker identity.
func New(s *store.Store, q *queue.Queue, deps *pipeline.Deps, cfg Config) *Runtime {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchN <= 0 {
		cfg.BatchN = cfg.Concurrency * 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = q.LeaseTTL / 3
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = q.LeaseTTL
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	return &Runtime{Store: s, Queue: q, Deps: deps, Config: cfg}
}

// Run drives the claim/execute loop until ctx is canceled, then waits up to
// ShutdownGrace for whatever it already claimed to finish before returning.
// Every in-flight job runs under its own errgroup slot bounded by
// Config.Concurrency.
func (r *Runtime) Run(ctx context.Context) error {
	logger := observability.LoggerWithTrace(ctx)
	// In-flight jobs deliberately outlive ctx: shutdown stops claiming but
	// lets running stages finish within ShutdownGrace.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(r.Config.Concurrency)

	heartbeatDone := make(chan struct{})
	go r.heartbeatWorkerRegistration(ctx, heartbeatDone)

	ticker := time.NewTicker(r.Config.PollInterval)
	defer ticker.Stop()

	// active tracks in-flight jobs so each poll only claims what this
	// process can start immediately. Claiming more would leave jobs
	// leased but un-heartbeated while they wait for an execution slot.
	var active atomic.Int64

poll:
	for {
		select {
		case <-ctx.Done():
			break poll
		case <-ticker.C:
			free := r.Config.Concurrency - int(active.Load())
			if free > r.Config.BatchN {
				free = r.Config.BatchN
			}
			if free <= 0 {
				continue
			}
			leases, err := r.Queue.Claim(gctx, free, time.Now().UTC())
			if err != nil {
				logger.Error().Err(err).Msg("worker: claim failed")
				continue
			}
			for _, lease := range leases {
				lease := lease
				active.Add(1)
				g.Go(func() error {
					defer active.Add(-1)
					r.runOne(gctx, lease)
					return nil
				})
			}
		}
	}

	close(heartbeatDone)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(r.Config.ShutdownGrace):
		// Stop heartbeating whatever is still running; the leases will
		// expire and another worker will reclaim.
		cancelRun()
		return fmt.Errorf("worker: shutdown grace period elapsed with jobs still in flight")
	}
}

// runOne executes a single claimed job, renewing its lease in the
// background until the executor returns.
func (r *Runtime) runOne(ctx context.Context, lease queue.Lease) {
	logger := observability.LoggerWithTrace(ctx)
	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()

	go func() {
		t := time.NewTicker(r.Config.HeartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if err := r.Queue.Heartbeat(hbCtx, lease.Job.JobID, time.Now().UTC()); err != nil {
					if !errors.Is(err, store.ErrConflict) {
						logger.Warn().Err(err).Str("job_id", lease.Job.JobID.String()).Msg("worker: heartbeat failed")
					}
					return
				}
			}
		}
	}()

	if err := pipeline.Execute(ctx, r.Deps, r.Queue.WorkerID, lease.Job); err != nil {
		logger.Error().Err(err).Str("job_id", lease.Job.JobID.String()).Str("stage", string(lease.Job.Stage)).
			Msg("worker: stage execution failed")
	}
}

// heartbeatWorkerRegistration keeps this process's own row in the workers
// table current, independent of any job lease heartbeat.
func (r *Runtime) heartbeatWorkerRegistration(ctx context.Context, done <-chan struct{}) {
	interval := r.Config.HeartbeatEvery
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := observability.LoggerWithTrace(ctx)
	upsert := func() {
		if err := r.Store.UpsertWorkerHeartbeat(ctx, r.Queue.WorkerID, r.Config.Hostname, r.Config.Version, time.Now().UTC()); err != nil {
			logger.Warn().Err(err).Msg("worker: registration heartbeat failed")
		}
	}
	upsert()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			upsert()
		}
	}
}
