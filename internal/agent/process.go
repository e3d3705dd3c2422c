package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/calldwell/overseer/internal/executil"
)

// LaunchOptions configures one agent process.
type LaunchOptions struct {
	Command string
	Args    []string
	Env     []string // extra KEY=VALUE entries
	WorkDir string   // the job's worktree
	Task    Task
}

// Process is a running agent subprocess. Decoded directives arrive on
// Directives; undecodable lines and process errors arrive on Errors; Done
// closes when the process exits.
type Process struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderrPipe io.ReadCloser

	directives chan *Directive
	errors     chan error
	done       chan struct{}

	mu       sync.Mutex
	running  bool
	exitCode int
}

// Launch starts the agent bound to the worktree and writes the task
// envelope to its stdin.
func Launch(ctx context.Context, opts LaunchOptions) (*Process, error) {
	cmd, err := executil.CommandContext(ctx, opts.Command, opts.Args...)
	if err != nil {
		return nil, err
	}
	cmd.Dir = opts.WorkDir
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Env, opts.Env...)
	}
	cmd.Env = append(cmd.Env,
		"OVERSEER_JOB_ID="+opts.Task.JobID,
		"OVERSEER_SKILL="+opts.Task.SkillKind,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderrPipe.Close()
		return nil, fmt.Errorf("start agent: %w", err)
	}

	p := &Process{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderrPipe: stderrPipe,
		directives: make(chan *Directive, 100),
		errors:     make(chan error, 10),
		done:       make(chan struct{}),
		running:    true,
	}

	go p.readLoop()
	go p.stderrLoop()
	go p.waitLoop()

	if err := p.sendTask(opts.Task); err != nil {
		p.Kill()
		return nil, fmt.Errorf("send task: %w", err)
	}

	return p, nil
}

func (p *Process) sendTask(task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return err
	}
	// The task envelope is the only stdin traffic; closing signals the
	// agent that no more input follows.
	return p.stdin.Close()
}

// Directives returns the channel of decoded protocol lines.
func (p *Process) Directives() <-chan *Directive {
	return p.directives
}

// Errors returns the channel of parse and process errors.
func (p *Process) Errors() <-chan error {
	return p.errors
}

// Done returns a channel that closes when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code. Valid only after Done closes.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// IsRunning reports whether the process is still alive.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Terminate asks the process to exit with the polite signal.
func (p *Process) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(termSignal())
}

// Kill terminates the process immediately.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *Process) readLoop() {
	scanner := bufio.NewScanner(p.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		d, err := ParseDirective(line)
		if err != nil {
			parseErr := fmt.Errorf("directive parse: %w (raw: %s)", err, truncate(string(line), 200))
			select {
			case p.errors <- parseErr:
			default:
			}
			continue
		}

		select {
		case p.directives <- d:
		case <-p.done:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case p.errors <- err:
		default:
		}
	}
}

func (p *Process) stderrLoop() {
	scanner := bufio.NewScanner(p.stderrPipe)
	for scanner.Scan() {
		d := &Directive{Type: DirectiveLog, Level: "stderr", Message: scanner.Text()}
		select {
		case p.directives <- d:
		case <-p.done:
			return
		default:
			// Drop if channel full
		}
	}
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.running = false
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Unlock()

	if err != nil {
		select {
		case p.errors <- err:
		default:
		}
	}

	close(p.done)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
