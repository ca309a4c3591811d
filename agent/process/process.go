package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const DefaultShell = "/bin/sh"

type StartRequest struct {
	SessionID string
	Command   string

	// Shell is the interpreter used to run Command with "-c". Defaults to DefaultShell.
	Shell string
	Dir   string
	// Env is appended to the agent's own environment.
	Env []string
	PTY bool
}

type Result struct {
	ExitCode int
	TimeMS   int64
}

// Process is a shell command started by Start.
type Process struct {
	SessionID string
	Command   string
	PID       int
	StartTime time.Time

	cmd    *exec.Cmd
	output io.ReadCloser
	stdin  io.WriteCloser

	done     chan struct{}
	exitCode int
	timeMS   int64
	waitErr  error

	closeOnce sync.Once
}

// Start launches req.Command through the shell.
func Start(req StartRequest) (*Process, error) {
	shell := req.Shell
	if shell == "" {
		shell = DefaultShell
	}

	cmd := exec.Command(shell, "-c", req.Command)
	cmd.Dir = req.Dir
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}

	p := &Process{
		SessionID: req.SessionID,
		Command:   req.Command,
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	var err error
	if req.PTY {
		err = p.startPTY()
	} else {
		err = p.startPipe()
	}
	if err != nil {
		return nil, err
	}

	p.PID = cmd.Process.Pid
	go p.wait()
	return p, nil
}

func (p *Process) startPipe() error {
	// the process group lets Signal reach grandchildren of the shell
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating output pipe: %w", err)
	}
	p.cmd.Stdout = outW
	p.cmd.Stderr = outW

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return fmt.Errorf("creating stdin pipe: %w", err)
	}

	p.StartTime = time.Now()
	err = p.cmd.Start()
	// the child has its own copy of the write side now
	outW.Close()
	if err != nil {
		outR.Close()
		stdin.Close()
		return fmt.Errorf("starting command: %w", err)
	}

	p.output = outR
	p.stdin = stdin
	return nil
}

func (p *Process) startPTY() error {
	p.StartTime = time.Now()
	// pty.Start puts the child in a new session, which also makes it a process group leader
	ptmx, err := pty.Start(p.cmd)
	if err != nil {
		return fmt.Errorf("starting command on pty: %w", err)
	}
	// the master is both ends; it stays open, unused, until Close
	p.output = &ptyReader{File: ptmx}
	return nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.timeMS = time.Since(p.StartTime).Milliseconds()
	p.exitCode = 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
		} else {
			p.exitCode = -1
			p.waitErr = err
		}
	}
	close(p.done)
}

// Output is the combined stdout and stderr of the process.
func (p *Process) Output() io.Reader {
	return p.output
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code once the process has exited, and -1 before that.
// A process terminated by a signal also reports -1.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.exitCode
}

func (p *Process) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return &Result{ExitCode: p.exitCode, TimeMS: p.timeMS}, p.waitErr
	}
}

// Signal sends sig to the process group of the command, including children that outlive the shell.
// Signaling a group that is already gone is not an error.
func (p *Process) Signal(sig unix.Signal) error {
	if p.PID <= 0 {
		return fmt.Errorf("process for session %q was never started", p.SessionID)
	}
	err := unix.Kill(-p.PID, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sending %s to process group %d: %w", unix.SignalName(sig), p.PID, err)
	}
	return nil
}

// GroupAlive reports whether any process is left in the command's process group.
// The shell itself counts until it has been reaped.
func (p *Process) GroupAlive() bool {
	if p.PID <= 0 {
		return false
	}
	return !errors.Is(unix.Kill(-p.PID, 0), unix.ESRCH)
}

// Terminate asks the process to exit.
func (p *Process) Terminate() error {
	return p.Signal(unix.SIGTERM)
}

func (p *Process) Kill() error {
	return p.Signal(unix.SIGKILL)
}

// Close releases the output and stdin handles. It does not stop the process.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.stdin != nil {
			p.stdin.Close()
		}
		if p.output != nil {
			err = p.output.Close()
		}
	})
	return err
}

// ptyReader turns the EIO returned by a pty master after the child side closes into io.EOF.
type ptyReader struct {
	*os.File
}

func (r *ptyReader) Read(b []byte) (int, error) {
	n, err := r.File.Read(b)
	if errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}
