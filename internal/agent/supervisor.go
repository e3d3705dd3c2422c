package agent

import (
	"context"
	"time"

	"github.com/calldwell/overseer/internal/logging"
	"github.com/calldwell/overseer/internal/store"
)

// Execution is the supervisor's view of a running agent. *Process
// implements it; tests substitute fakes.
type Execution interface {
	Directives() <-chan *Directive
	Errors() <-chan error
	Done() <-chan struct{}
	ExitCode() int
	Terminate() error
	Kill() error
}

// Outcome is the supervisor's verdict on one agent run.
type Outcome struct {
	Status    store.JobStatus // completed, failed, or timed_out
	Summary   string
	CommitRef string
	ErrorKind store.ErrorKind
}

// Callbacks receive mid-run directives so the orchestrator can surface
// live progress. Either may be nil.
type Callbacks struct {
	OnProgress func(step, total int)
	OnLog      func(level, message string)
}

// Supervisor drives agent executions to completion under a deadline.
type Supervisor struct {
	grace time.Duration // how long a terminated process gets before Kill
}

// NewSupervisor creates a Supervisor with the given grace period.
func NewSupervisor(grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Supervisor{grace: grace}
}

// Run consumes the execution's output until it exits or the timeout
// elapses. Malformed output lines are logged and skipped; only exiting
// without a result directive is fatal. On timeout the process is asked to
// terminate, then killed after the grace period.
func (s *Supervisor) Run(ctx context.Context, exec Execution, jobID string, timeout time.Duration, cb Callbacks) Outcome {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var result *Directive
	for {
		select {
		case d := <-exec.Directives():
			if d == nil {
				continue
			}
			switch d.Type {
			case DirectiveLog:
				if cb.OnLog != nil {
					cb.OnLog(d.Level, d.Message)
				}
			case DirectiveProgress:
				if cb.OnProgress != nil {
					cb.OnProgress(d.Step, d.Total)
				}
			case DirectiveResult:
				// Remember the terminal directive; the verdict waits for
				// process exit so the exit code can be checked too.
				result = d
			}

		case err := <-exec.Errors():
			if err != nil {
				logging.Warn("agent output error", "job_id", jobID, "error", err)
			}

		case <-deadline.C:
			logging.Warn("agent deadline elapsed, terminating", "job_id", jobID, "timeout", timeout)
			s.stop(exec, jobID)
			return Outcome{Status: store.JobStatusTimedOut, ErrorKind: store.ErrAgentTimedOut}

		case <-ctx.Done():
			logging.Warn("agent run canceled, killing", "job_id", jobID)
			exec.Kill()
			<-exec.Done()
			return Outcome{Status: store.JobStatusFailed, ErrorKind: store.ErrInterrupted}

		case <-exec.Done():
			s.drain(exec, &result, cb)
			return verdict(exec, result)
		}
	}
}

// stop escalates from Terminate to Kill if the process outlives the grace
// period.
func (s *Supervisor) stop(exec Execution, jobID string) {
	if err := exec.Terminate(); err != nil {
		logging.Warn("terminate failed, killing", "job_id", jobID, "error", err)
		exec.Kill()
	}
	select {
	case <-exec.Done():
	case <-time.After(s.grace):
		logging.Warn("agent ignored terminate, killing", "job_id", jobID)
		exec.Kill()
		<-exec.Done()
	}
}

// drain collects directives already buffered when the process exited, so a
// result written just before exit is not lost.
func (s *Supervisor) drain(exec Execution, result **Directive, cb Callbacks) {
	for {
		select {
		case d := <-exec.Directives():
			if d == nil {
				return
			}
			switch d.Type {
			case DirectiveLog:
				if cb.OnLog != nil {
					cb.OnLog(d.Level, d.Message)
				}
			case DirectiveProgress:
				if cb.OnProgress != nil {
					cb.OnProgress(d.Step, d.Total)
				}
			case DirectiveResult:
				*result = d
			}
		default:
			return
		}
	}
}

func verdict(exec Execution, result *Directive) Outcome {
	if result == nil {
		return Outcome{Status: store.JobStatusFailed, ErrorKind: store.ErrAgentNoResult}
	}
	if !result.Success || exec.ExitCode() != 0 {
		return Outcome{
			Status:    store.JobStatusFailed,
			Summary:   result.Summary,
			ErrorKind: store.ErrAgentReportedFailure,
		}
	}
	return Outcome{
		Status:    store.JobStatusCompleted,
		Summary:   result.Summary,
		CommitRef: result.CommitRef,
	}
}
