// Package orchestrator drives each job through its lifecycle: worktree
// provisioning, agent execution, and cleanup.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/calldwell/overseer/internal/agent"
	"github.com/calldwell/overseer/internal/event"
	"github.com/calldwell/overseer/internal/logging"
	"github.com/calldwell/overseer/internal/snapshot"
	"github.com/calldwell/overseer/internal/store"
	"github.com/calldwell/overseer/internal/worktree"
)

// WorktreeManager provisions and removes per-job checkouts.
type WorktreeManager interface {
	Create(ctx context.Context, jobID string) (*worktree.Worktree, error)
	ValidateForRemoval(ctx context.Context, path string) (bool, string, error)
	Remove(ctx context.Context, path string) error
}

// Launcher starts the agent process for a job. Swapped for a fake in tests.
type Launcher func(ctx context.Context, opts agent.LaunchOptions) (agent.Execution, error)

// Snapshotter captures a tree fingerprint. Swapped for a fake in tests.
type Snapshotter func(ctx context.Context, path string) (*snapshot.Snapshot, error)

// Config holds the orchestrator's tunables.
type Config struct {
	AgentCommand string
	AgentArgs    []string
	AgentEnv     []string
	SkillTimeout func(kind string) time.Duration
}

// Orchestrator owns jobs from dequeue to cleanup. Every state transition
// appends a versioned domain event and publishes it before the next step
// runs, so observers never miss an intermediate state.
type Orchestrator struct {
	store     *store.Store
	bus       *event.Bus
	worktrees WorktreeManager
	launch    Launcher
	sup       *agent.Supervisor
	capture   Snapshotter
	cfg       Config
}

// New wires an Orchestrator. launch and capture may be nil, in which case
// the real agent process and snapshot scanner are used.
func New(st *store.Store, bus *event.Bus, wm WorktreeManager, sup *agent.Supervisor, cfg Config, launch Launcher, capture Snapshotter) *Orchestrator {
	if launch == nil {
		launch = func(ctx context.Context, opts agent.LaunchOptions) (agent.Execution, error) {
			return agent.Launch(ctx, opts)
		}
	}
	if capture == nil {
		capture = snapshot.Capture
	}
	return &Orchestrator{
		store:     st,
		bus:       bus,
		worktrees: wm,
		launch:    launch,
		sup:       sup,
		capture:   capture,
		cfg:       cfg,
	}
}

// RecordQueued persists a fresh job and emits its first event. Called by
// the ingress path before the job ID goes on the queue.
func (o *Orchestrator) RecordQueued(job *store.Job) error {
	if err := o.store.CreateJob(job); err != nil {
		return err
	}
	o.emit(event.New(event.TypeJobQueued, job.Workspace, job.ID, map[string]string{
		"source":      job.Source,
		"event_type":  job.EventType,
		"subject_ref": job.SubjectRef,
		"skill_kind":  job.SkillKind,
	}))
	return nil
}

// Process runs one job to its terminal state plus cleanup. Jobs no longer
// pending (already picked up, or failed before a restart) are skipped.
func (o *Orchestrator) Process(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != store.JobStatusPending {
		logging.Debug("skipping non-pending job", "job_id", jobID, "status", job.Status)
		return nil
	}

	log := logging.With("job_id", job.ID, "workspace", job.Workspace, "skill", job.SkillKind)
	log.Info("processing job", "subject", job.SubjectRef)

	wt, err := o.provisionWorktree(ctx, job)
	if err != nil {
		log.Error("worktree provisioning failed", "error", err)
		o.failJob(job, store.ErrWorktreeCreationFailed, err.Error())
		o.cleanup(ctx, job, nil)
		return nil
	}

	before, snapErr := o.capture(ctx, wt.Path)
	if snapErr != nil {
		// Snapshots only feed the report; the job proceeds without one.
		log.Warn("before-snapshot failed", "error", snapErr)
	}

	exec, err := o.startAgent(ctx, job, wt)
	if err != nil {
		log.Error("agent launch failed", "error", err)
		o.failJob(job, store.ErrAgentLaunchFailed, err.Error())
		o.cleanup(ctx, job, wt)
		return nil
	}

	timeout := o.cfg.SkillTimeout(job.SkillKind)
	outcome := o.sup.Run(ctx, exec, job.ID, timeout, agent.Callbacks{
		OnProgress: func(step, total int) {
			o.emit(event.New(event.TypeJobProgress, job.Workspace, job.ID,
				event.ProgressPayload{Step: step, Total: total}))
		},
		OnLog: func(level, message string) {
			o.emit(event.New(event.TypeAgentLog, job.Workspace, job.ID,
				map[string]string{"level": level, "message": message}))
		},
	})

	o.settle(ctx, job, wt, before, outcome)
	o.cleanup(ctx, job, wt)
	return nil
}

// RecoverInterrupted fails jobs that were mid-flight when the previous
// process died. Pending jobs are untouched; the daemon requeues those.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) error {
	jobs, err := o.store.ListActiveJobs()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		logging.Warn("failing job interrupted by restart", "job_id", job.ID, "status", job.Status)
		o.failJob(job, store.ErrInterrupted, "daemon restarted while job was in flight")
		var wt *worktree.Worktree
		if job.WorktreePath != nil && job.Branch != nil {
			wt = &worktree.Worktree{Path: *job.WorktreePath, Branch: *job.Branch}
		}
		o.cleanup(ctx, job, wt)
	}
	return nil
}

func (o *Orchestrator) provisionWorktree(ctx context.Context, job *store.Job) (*worktree.Worktree, error) {
	wt, err := o.worktrees.Create(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	if err := o.store.CreateWorktree(&store.Worktree{
		Path:      wt.Path,
		Branch:    wt.Branch,
		JobID:     job.ID,
		Workspace: job.Workspace,
	}); err != nil {
		return nil, err
	}
	if err := o.store.SetJobWorktree(job.ID, wt.Path, wt.Branch); err != nil {
		return nil, err
	}

	o.transition(job, store.JobStatusWorktreeReady, event.TypeWorktreeReady,
		map[string]string{"path": wt.Path, "branch": wt.Branch})
	return wt, nil
}

func (o *Orchestrator) startAgent(ctx context.Context, job *store.Job, wt *worktree.Worktree) (agent.Execution, error) {
	exec, err := o.launch(ctx, agent.LaunchOptions{
		Command: o.cfg.AgentCommand,
		Args:    o.cfg.AgentArgs,
		Env:     o.cfg.AgentEnv,
		WorkDir: wt.Path,
		Task: agent.Task{
			JobID:      job.ID,
			SkillKind:  job.SkillKind,
			SubjectRef: job.SubjectRef,
			EventType:  job.EventType,
			Workspace:  job.Workspace,
		},
	})
	if err != nil {
		return nil, err
	}

	o.transition(job, store.JobStatusAgentRunning, event.TypeJobStarted, nil)
	return exec, nil
}

// settle records the supervisor's verdict: the terminal transition, the
// result row, and the matching domain event.
func (o *Orchestrator) settle(ctx context.Context, job *store.Job, wt *worktree.Worktree, before *snapshot.Snapshot, outcome agent.Outcome) {
	result := store.JobResult{
		Summary:   outcome.Summary,
		CommitRef: outcome.CommitRef,
		ErrorKind: outcome.ErrorKind,
	}

	if outcome.Status == store.JobStatusCompleted && before != nil {
		after, err := o.capture(ctx, wt.Path)
		if err != nil {
			logging.Warn("after-snapshot failed, report degraded", "job_id", job.ID, "error", err)
			result.ErrorKind = store.ErrSnapshotFailed
		} else {
			sum := snapshot.Diff(before, after)
			result.Added = sum.Added
			result.Modified = sum.Modified
			result.Deleted = sum.Deleted
			if result.CommitRef == "" && sum.RefChanged() {
				result.CommitRef = after.Ref
			}
		}
	}

	if err := o.store.SetJobResult(job.ID, result); err != nil {
		logging.Error("failed to persist job result", "job_id", job.ID, "error", err)
	}

	payload := event.ResultPayload{
		Summary:   result.Summary,
		CommitRef: result.CommitRef,
		ErrorKind: string(result.ErrorKind),
		Added:     result.Added,
		Modified:  result.Modified,
		Deleted:   result.Deleted,
	}
	switch outcome.Status {
	case store.JobStatusCompleted:
		o.transition(job, store.JobStatusCompleted, event.TypeJobCompleted, payload)
	case store.JobStatusTimedOut:
		o.transition(job, store.JobStatusTimedOut, event.TypeJobTimedOut, payload)
	default:
		o.transition(job, store.JobStatusFailed, event.TypeJobFailed, payload)
	}
}

// failJob moves a job to failed from wherever it is, recording why.
func (o *Orchestrator) failJob(job *store.Job, kind store.ErrorKind, detail string) {
	if err := o.store.SetJobResult(job.ID, store.JobResult{Summary: detail, ErrorKind: kind}); err != nil {
		logging.Error("failed to persist job result", "job_id", job.ID, "error", err)
	}
	o.transition(job, store.JobStatusFailed, event.TypeJobFailed,
		event.ResultPayload{Summary: detail, ErrorKind: string(kind)})
}

// cleanup removes the job's worktree when that is provably safe. A
// worktree holding uncommitted work is retained and reported, never
// deleted; the job then stays in its terminal state.
func (o *Orchestrator) cleanup(ctx context.Context, job *store.Job, wt *worktree.Worktree) {
	if wt == nil {
		// Nothing was provisioned; cleanup is trivially done.
		o.transition(job, store.JobStatusCleanupDone, event.TypeWorktreeRemoved, nil)
		return
	}

	safe, reason, err := o.worktrees.ValidateForRemoval(ctx, wt.Path)
	if err != nil {
		safe, reason = false, fmt.Sprintf("validation failed: %v", err)
	}
	if !safe {
		o.retainWorktree(job, wt, reason)
		return
	}

	if err := o.worktrees.Remove(ctx, wt.Path); err != nil {
		o.retainWorktree(job, wt, fmt.Sprintf("removal failed: %v", err))
		return
	}
	if err := o.store.DeleteWorktree(wt.Path); err != nil {
		logging.Error("failed to delete worktree row", "path", wt.Path, "error", err)
	}

	o.transition(job, store.JobStatusCleanupDone, event.TypeWorktreeRemoved,
		map[string]string{"path": wt.Path, "branch": wt.Branch})
}

func (o *Orchestrator) retainWorktree(job *store.Job, wt *worktree.Worktree, reason string) {
	logging.Warn("worktree retained for inspection",
		"job_id", job.ID, "path", wt.Path, "reason", reason)
	if err := o.store.MarkWorktreeRetained(wt.Path, reason); err != nil {
		logging.Error("failed to mark worktree retained", "path", wt.Path, "error", err)
	}
	o.emit(event.New(event.TypeWorktreeRetained, job.Workspace, job.ID,
		event.RetainedPayload{Path: wt.Path, Reason: reason}))
}

// transition records the state change and emits exactly one domain event
// before returning, in that order: durable row, durable event, live fan-out.
func (o *Orchestrator) transition(job *store.Job, to store.JobStatus, eventType event.Type, payload any) {
	if err := o.store.TransitionJob(job.ID, to); err != nil {
		logging.Error("transition rejected", "job_id", job.ID, "to", to, "error", err)
		return
	}
	job.Status = to
	o.emit(event.New(eventType, job.Workspace, job.ID, payload))
}

func (o *Orchestrator) emit(ev *event.DomainEvent) {
	if err := o.store.AppendDomainEvent(ev); err != nil {
		logging.Error("failed to append domain event", "type", ev.Type, "aggregate", ev.AggregateID, "error", err)
	}
	o.bus.Publish(ev)
}
