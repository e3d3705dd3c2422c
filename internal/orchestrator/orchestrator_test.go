package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/calldwell/overseer/internal/agent"
	"github.com/calldwell/overseer/internal/event"
	"github.com/calldwell/overseer/internal/snapshot"
	"github.com/calldwell/overseer/internal/store"
	"github.com/calldwell/overseer/internal/worktree"
)

type fakeWorktrees struct {
	mu        sync.Mutex
	createErr error
	dirty     string // non-empty means validation reports unsafe with this reason
	removeErr error
	removed   []string
}

func (f *fakeWorktrees) Create(ctx context.Context, jobID string) (*worktree.Worktree, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &worktree.Worktree{
		Path:   "/tmp/worktrees/job-" + jobID,
		Branch: worktree.BranchName(jobID),
	}, nil
}

func (f *fakeWorktrees) ValidateForRemoval(ctx context.Context, path string) (bool, string, error) {
	if f.dirty != "" {
		return false, f.dirty, nil
	}
	return true, "", nil
}

func (f *fakeWorktrees) Remove(ctx context.Context, path string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

// fakeExec scripts the agent side of a run.
type fakeExec struct {
	directives chan *agent.Directive
	errs       chan error
	done       chan struct{}
	exitCode   int
	closeOnce  sync.Once
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		directives: make(chan *agent.Directive, 100),
		errs:       make(chan error, 10),
		done:       make(chan struct{}),
	}
}

func (f *fakeExec) Directives() <-chan *agent.Directive { return f.directives }
func (f *fakeExec) Errors() <-chan error                { return f.errs }
func (f *fakeExec) Done() <-chan struct{}               { return f.done }
func (f *fakeExec) ExitCode() int                       { return f.exitCode }
func (f *fakeExec) Terminate() error                    { f.closeOnce.Do(func() { close(f.done) }); return nil }
func (f *fakeExec) Kill() error                         { f.closeOnce.Do(func() { close(f.done) }); return nil }
func (f *fakeExec) exit()                               { f.closeOnce.Do(func() { close(f.done) }) }

type fixture struct {
	store *store.Store
	bus   *event.Bus
	wts   *fakeWorktrees
	orch  *Orchestrator
}

func newFixture(t *testing.T, wts *fakeWorktrees, launch Launcher) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "overseer.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := event.NewBus(100, 64)
	t.Cleanup(bus.Close)

	capture := func(ctx context.Context, path string) (*snapshot.Snapshot, error) {
		return snapshot.Capture(ctx, t.TempDir())
	}

	cfg := Config{
		AgentCommand: "fake-agent",
		SkillTimeout: func(string) time.Duration { return time.Minute },
	}
	orch := New(st, bus, wts, agent.NewSupervisor(50*time.Millisecond), cfg, launch, capture)
	return &fixture{store: st, bus: bus, wts: wts, orch: orch}
}

func queueJob(t *testing.T, f *fixture, id string) *store.Job {
	t.Helper()
	job := &store.Job{
		ID:         id,
		Source:     "github",
		EventType:  "issues.labeled",
		SubjectRef: "acme/widget#42",
		SkillKind:  "fix",
		Workspace:  "acme/widget",
	}
	if err := f.orch.RecordQueued(job); err != nil {
		t.Fatalf("RecordQueued: %v", err)
	}
	return job
}

func statuses(t *testing.T, f *fixture, jobID string) []store.JobStatus {
	t.Helper()
	trs, err := f.store.ListTransitions(jobID)
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	out := make([]store.JobStatus, len(trs))
	for i, tr := range trs {
		out[i] = tr.To
	}
	return out
}

func TestProcessHappyPath(t *testing.T) {
	launch := func(ctx context.Context, opts agent.LaunchOptions) (agent.Execution, error) {
		if opts.Task.SkillKind != "fix" {
			t.Errorf("task skill = %s", opts.Task.SkillKind)
		}
		exec := newFakeExec()
		exec.directives <- &agent.Directive{Type: agent.DirectiveProgress, Step: 1, Total: 2}
		exec.directives <- &agent.Directive{Type: agent.DirectiveResult, Success: true, Summary: "fixed it", CommitRef: "abc1234"}
		exec.exit()
		return exec, nil
	}
	f := newFixture(t, &fakeWorktrees{}, launch)
	queueJob(t, f, "job-1")

	history, ch, cancel := f.bus.Subscribe("acme/widget")
	defer cancel()
	if len(history) != 1 || history[0].Type != event.TypeJobQueued {
		t.Fatalf("history at subscribe = %v", history)
	}

	if err := f.orch.Process(context.Background(), "job-1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	t.Run("reaches cleanup_done through every state", func(t *testing.T) {
		want := []store.JobStatus{
			store.JobStatusWorktreeReady,
			store.JobStatusAgentRunning,
			store.JobStatusCompleted,
			store.JobStatusCleanupDone,
		}
		got := statuses(t, f, "job-1")
		if len(got) != len(want) {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
			}
		}
	})

	t.Run("result attached", func(t *testing.T) {
		job, err := f.store.GetJob("job-1")
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.Result.Summary != "fixed it" || job.Result.CommitRef != "abc1234" {
			t.Errorf("result = %+v", job.Result)
		}
	})

	t.Run("worktree removed", func(t *testing.T) {
		if len(f.wts.removed) != 1 {
			t.Errorf("removed = %v", f.wts.removed)
		}
	})

	t.Run("live events arrive in publish order", func(t *testing.T) {
		wantTypes := []event.Type{
			event.TypeWorktreeReady,
			event.TypeJobStarted,
			event.TypeJobProgress,
			event.TypeJobCompleted,
			event.TypeWorktreeRemoved,
		}
		for _, want := range wantTypes {
			select {
			case ev := <-ch:
				if ev.Type != want {
					t.Fatalf("event = %s, want %s", ev.Type, want)
				}
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for %s", want)
			}
		}
	})

	t.Run("versions increase by exactly one", func(t *testing.T) {
		events, err := f.store.ListDomainEvents("acme/widget", 0)
		if err != nil {
			t.Fatalf("ListDomainEvents: %v", err)
		}
		var last int64
		for _, ev := range events {
			if ev.AggregateID != "job-1" {
				continue
			}
			if ev.Version != last+1 {
				t.Errorf("version %d follows %d (type %s)", ev.Version, last, ev.Type)
			}
			last = ev.Version
		}
		if last == 0 {
			t.Fatal("no events recorded for job-1")
		}
	})
}

func TestProcessTimeoutRetainsWorktree(t *testing.T) {
	launch := func(ctx context.Context, opts agent.LaunchOptions) (agent.Execution, error) {
		// Never produces a result and ignores nothing: Terminate closes it.
		return newFakeExec(), nil
	}
	wts := &fakeWorktrees{dirty: "2 unstaged, 1 untracked"}
	f := newFixture(t, wts, launch)
	f.orch.cfg.SkillTimeout = func(string) time.Duration { return 50 * time.Millisecond }
	queueJob(t, f, "job-2")

	if err := f.orch.Process(context.Background(), "job-2"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	job, err := f.store.GetJob("job-2")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.JobStatusTimedOut {
		t.Fatalf("status = %s, want timed_out", job.Status)
	}
	if job.Result.ErrorKind != store.ErrAgentTimedOut {
		t.Errorf("error kind = %s", job.Result.ErrorKind)
	}

	t.Run("worktree retained, not removed", func(t *testing.T) {
		if len(wts.removed) != 0 {
			t.Errorf("worktree was removed: %v", wts.removed)
		}
		retained, err := f.store.ListRetainedWorktrees()
		if err != nil {
			t.Fatalf("ListRetainedWorktrees: %v", err)
		}
		if len(retained) != 1 {
			t.Fatalf("got %d retained worktrees, want 1", len(retained))
		}
		if *retained[0].RetainedReason != "2 unstaged, 1 untracked" {
			t.Errorf("reason = %v", *retained[0].RetainedReason)
		}
	})

	t.Run("retention emitted as event", func(t *testing.T) {
		events, _ := f.store.ListDomainEvents("acme/widget", 0)
		var sawRetained bool
		for _, ev := range events {
			if ev.Type == event.TypeWorktreeRetained {
				sawRetained = true
			}
		}
		if !sawRetained {
			t.Error("no worktree_retained event recorded")
		}
	})
}

func TestProcessWorktreeCreationFailure(t *testing.T) {
	launch := func(ctx context.Context, opts agent.LaunchOptions) (agent.Execution, error) {
		t.Fatal("agent launched despite worktree failure")
		return nil, nil
	}
	wts := &fakeWorktrees{createErr: errors.New("disk full")}
	f := newFixture(t, wts, launch)
	queueJob(t, f, "job-3")

	if err := f.orch.Process(context.Background(), "job-3"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	job, _ := f.store.GetJob("job-3")
	if job.Status != store.JobStatusCleanupDone {
		t.Fatalf("status = %s, want cleanup_done", job.Status)
	}
	if job.Result.ErrorKind != store.ErrWorktreeCreationFailed {
		t.Errorf("error kind = %s", job.Result.ErrorKind)
	}

	got := statuses(t, f, "job-3")
	want := []store.JobStatus{store.JobStatusFailed, store.JobStatusCleanupDone}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestProcessAgentReportedFailure(t *testing.T) {
	launch := func(ctx context.Context, opts agent.LaunchOptions) (agent.Execution, error) {
		exec := newFakeExec()
		exec.directives <- &agent.Directive{Type: agent.DirectiveResult, Success: false, Summary: "tests still red"}
		exec.exit()
		return exec, nil
	}
	f := newFixture(t, &fakeWorktrees{}, launch)
	queueJob(t, f, "job-4")

	if err := f.orch.Process(context.Background(), "job-4"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	job, _ := f.store.GetJob("job-4")
	if job.Status != store.JobStatusCleanupDone {
		t.Fatalf("status = %s, want cleanup_done (clean worktree removable)", job.Status)
	}
	if job.Result.ErrorKind != store.ErrAgentReportedFailure {
		t.Errorf("error kind = %s", job.Result.ErrorKind)
	}
	got := statuses(t, f, "job-4")
	if got[len(got)-2] != store.JobStatusFailed {
		t.Errorf("transitions = %v, want failed before cleanup_done", got)
	}
}

func TestProcessSkipsNonPending(t *testing.T) {
	var launches int
	launch := func(ctx context.Context, opts agent.LaunchOptions) (agent.Execution, error) {
		launches++
		exec := newFakeExec()
		exec.directives <- &agent.Directive{Type: agent.DirectiveResult, Success: true}
		exec.exit()
		return exec, nil
	}
	f := newFixture(t, &fakeWorktrees{}, launch)
	queueJob(t, f, "job-5")

	if err := f.orch.Process(context.Background(), "job-5"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := f.orch.Process(context.Background(), "job-5"); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if launches != 1 {
		t.Errorf("agent launched %d times, want 1", launches)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	launch := func(ctx context.Context, opts agent.LaunchOptions) (agent.Execution, error) {
		return nil, fmt.Errorf("should not launch during recovery")
	}
	f := newFixture(t, &fakeWorktrees{}, launch)
	queueJob(t, f, "job-6")

	// Simulate a job that was mid-flight when the previous daemon died.
	if err := f.store.TransitionJob("job-6", store.JobStatusWorktreeReady); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	if err := f.store.SetJobWorktree("job-6", "/tmp/worktrees/job-6", "overseer/job6"); err != nil {
		t.Fatalf("SetJobWorktree: %v", err)
	}
	if err := f.store.CreateWorktree(&store.Worktree{
		Path: "/tmp/worktrees/job-6", Branch: "overseer/job6", JobID: "job-6", Workspace: "acme/widget",
	}); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}

	if err := f.orch.RecoverInterrupted(context.Background()); err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}

	job, _ := f.store.GetJob("job-6")
	if job.Status != store.JobStatusCleanupDone {
		t.Fatalf("status = %s, want cleanup_done", job.Status)
	}
	if job.Result.ErrorKind != store.ErrInterrupted {
		t.Errorf("error kind = %s", job.Result.ErrorKind)
	}
}
