// Package daemon implements the overseerd background service.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/calldwell/overseer/internal/agent"
	"github.com/calldwell/overseer/internal/config"
	"github.com/calldwell/overseer/internal/event"
	"github.com/calldwell/overseer/internal/logging"
	"github.com/calldwell/overseer/internal/orchestrator"
	"github.com/calldwell/overseer/internal/server"
	"github.com/calldwell/overseer/internal/store"
	"github.com/calldwell/overseer/internal/worktree"
)

// ShutdownTimeout is how long to wait for the HTTP server to drain.
const ShutdownTimeout = 30 * time.Second

// DrainTimeout is how long to wait for in-flight jobs to complete.
const DrainTimeout = 60 * time.Second

// Daemon wires the webhook ingress, job workers, and event stream into one
// long-running service.
type Daemon struct {
	config *config.Config
	store  *store.Store
	bus    *event.Bus
	orch   *orchestrator.Orchestrator
	server *server.Server

	jobQueue chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
	draining     bool
	drainingMu   sync.RWMutex
}

// New creates a daemon from config.
func New(cfg *config.Config) (*Daemon, error) {
	st, err := store.New(cfg.Daemon.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:   cfg,
		store:    st,
		bus:      event.NewBus(cfg.Events.HistorySize, cfg.Events.SubscriberBuffer),
		jobQueue: make(chan string, cfg.Daemon.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	agentEnv := make([]string, 0, len(cfg.Agent.Env))
	for k, v := range cfg.Agent.Env {
		agentEnv = append(agentEnv, k+"="+v)
	}

	wm := worktree.NewManager(cfg.Repo.Path, cfg.Repo.BaseBranch, cfg.Worktrees.Dir)
	sup := agent.NewSupervisor(cfg.Agent.GracePeriod)
	d.orch = orchestrator.New(st, d.bus, wm, sup, orchestrator.Config{
		AgentCommand: cfg.Agent.Command,
		AgentArgs:    cfg.Agent.Args,
		AgentEnv:     agentEnv,
		SkillTimeout: cfg.SkillTimeout,
	}, nil, nil)

	d.server = server.New(cfg, st, d.bus, d.enqueueJob)
	return d, nil
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run() error {
	// Fail jobs the previous process left mid-flight, then pick the
	// still-pending ones back up.
	if err := d.orch.RecoverInterrupted(d.ctx); err != nil {
		logging.Warn("interrupted-job recovery failed", "error", err)
	}
	d.requeuePendingJobs()

	workers := d.config.Daemon.Workers
	if workers <= 0 {
		workers = 1
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.safeLoop(fmt.Sprintf("worker-%d", i), d.jobLoop)
	}

	serverErr := make(chan error, 1)
	d.safeGo("http-server", func() {
		serverErr <- d.server.Start()
	})

	sigCh := make(chan os.Signal, 2) // room for a second, forcing signal
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		d.gracefulShutdown()
		return err
	case sig := <-sigCh:
		logging.Info("received shutdown signal, starting graceful shutdown", "signal", sig.String())

		shutdownDone := make(chan struct{})
		go func() {
			d.gracefulShutdown()
			close(shutdownDone)
		}()

		select {
		case <-shutdownDone:
			logging.Info("graceful shutdown complete")
			return nil
		case sig2 := <-sigCh:
			logging.Warn("received second signal, forcing immediate shutdown", "signal", sig2.String())
			d.forceShutdown()
			return fmt.Errorf("forced shutdown by signal: %s", sig2.String())
		}
	}
}

// enqueueJob persists a fresh job and hands its ID to the worker pool. The
// webhook acknowledgement has already been promised, so a full queue keeps
// the job pending for the next requeue pass instead of blocking ingestion.
func (d *Daemon) enqueueJob(job *store.Job) error {
	if d.isDraining() {
		return fmt.Errorf("daemon is shutting down")
	}
	if err := d.orch.RecordQueued(job); err != nil {
		return err
	}
	select {
	case d.jobQueue <- job.ID:
	default:
		logging.Warn("job queue full, job stays pending", "job_id", job.ID)
	}
	return nil
}

// requeuePendingJobs picks up jobs that were pending when the daemon
// stopped, oldest first.
func (d *Daemon) requeuePendingJobs() {
	jobs, err := d.store.ListJobsByStatus(store.JobStatusPending)
	if err != nil {
		logging.Warn("failed to list pending jobs", "error", err)
		return
	}
	for _, job := range jobs {
		select {
		case d.jobQueue <- job.ID:
			logging.Debug("requeued pending job", "job_id", job.ID)
		default:
			logging.Warn("job queue full, couldn't requeue", "job_id", job.ID)
		}
	}
}

// jobLoop drains the queue, driving one job's state machine at a time.
func (d *Daemon) jobLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case jobID := <-d.jobQueue:
			if err := d.orch.Process(d.ctx, jobID); err != nil {
				logging.Error("job processing failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (d *Daemon) gracefulShutdown() {
	d.shutdownOnce.Do(func() {
		d.setDraining(true)
		logging.Info("stopped accepting new work, draining in-flight jobs")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown error", "error", err)
		}

		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logging.Info("all workers stopped")
		case <-time.After(DrainTimeout):
			logging.Warn("drain timeout exceeded, some jobs may not have completed")
		}

		d.bus.Close()

		if err := d.store.Close(); err != nil {
			logging.Error("error closing database", "error", err)
		}

		logging.Flush(2 * time.Second)
	})
}

func (d *Daemon) forceShutdown() {
	d.cancel()
	d.bus.Close()
	d.store.Close()
	logging.Flush(500 * time.Millisecond)
}

func (d *Daemon) setDraining(draining bool) {
	d.drainingMu.Lock()
	d.draining = draining
	d.drainingMu.Unlock()
}

func (d *Daemon) isDraining() bool {
	d.drainingMu.RLock()
	defer d.drainingMu.RUnlock()
	return d.draining
}

// safeGo runs a function in a goroutine with panic recovery.
func (d *Daemon) safeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.CapturePanic(r, "goroutine", name)
			}
		}()
		fn()
	}()
}

// safeLoop wraps a worker loop with panic recovery. A panicking loop takes
// the daemon down gracefully rather than leaving it half-alive.
func (d *Daemon) safeLoop(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "loop", name)
			d.cancel()
		}
	}()
	fn()
}
