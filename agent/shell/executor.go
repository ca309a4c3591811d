package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/guseggert/shellagent/agent/process"
	"github.com/guseggert/shellagent/agent/registry"
	"github.com/guseggert/shellagent/agent/topic"
	"go.uber.org/zap"
)

const (
	DefaultGracePeriod = 100 * time.Millisecond

	// outputChunkSize bounds a single terminal_output payload, leaving room for JSON escaping under the client read limit.
	outputChunkSize = 16 * 1024
)

var (
	ErrEmptyCommand = errors.New("empty command")
	ErrNoProcess    = errors.New("no active process for this session")
)

// Publisher delivers events to every subscriber of a session's topic.
// *topic.Hub[Event] is the usual implementation.
type Publisher interface {
	Publish(topic string, ev Event) int
}

type ExecutorConfig struct {
	// Shell runs each command with "-c". Defaults to process.DefaultShell.
	Shell string
	// WorkDir is the working directory of every command. Defaults to the user's home directory.
	WorkDir string
	Env     []string
	PTY     bool
	// GracePeriod is how long Cancel waits after SIGTERM before sending SIGKILL.
	GracePeriod time.Duration
}

// Executor runs commands for sessions, at most one per session at a time.
// Output of a command is published to the topic named after its session.
type Executor struct {
	log      *zap.SugaredLogger
	registry *registry.Registry
	pub      Publisher
	cfg      ExecutorConfig

	mut     sync.Mutex
	running map[*process.Process]*submission

	wg sync.WaitGroup
}

func NewExecutor(log *zap.SugaredLogger, reg *registry.Registry, pub Publisher, cfg ExecutorConfig) *Executor {
	if cfg.Shell == "" {
		cfg.Shell = process.DefaultShell
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.WorkDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Debugf("unable to find home dir, commands will run in the agent's working dir: %s", err)
		}
		cfg.WorkDir = home
	}
	return &Executor{
		log:      log,
		registry: reg,
		pub:      pub,
		cfg:      cfg,
		running:  map[*process.Process]*submission{},
	}
}

type submission struct {
	sessionID string
	proc      *process.Process
	sinks     []topic.Subscriber[Event]

	// interrupted is guarded by Executor.mut
	interrupted bool
}

func (e *Executor) emit(s *submission, ev Event) {
	e.pub.Publish(s.sessionID, ev)
	for _, sink := range s.sinks {
		if err := sink.Send(ev); err != nil {
			e.log.Debugw("dropping event for sink", "SessionID", s.sessionID, "Error", err)
		}
	}
}

// Submit starts command for the session and streams its output in a new goroutine.
//
// The echo of the command is published before the process is started. Once a submission is accepted
// its events end with exactly one command_finished, including when the process fails to start.
// Sinks receive the same events as the topic except the echo, and only for this submission.
//
// ErrEmptyCommand and registry.ErrSessionBusy are returned without publishing anything.
func (e *Executor) Submit(sessionID, command string, sinks ...topic.Subscriber[Event]) (*process.Process, error) {
	sessionID = sessionOrDefault(sessionID)
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, ErrEmptyCommand
	}

	res, err := e.registry.Reserve(sessionID)
	if err != nil {
		return nil, err
	}

	s := &submission{sessionID: sessionID, sinks: sinks}
	e.pub.Publish(sessionID, outputEvent(sessionID, "$ "+command+"\n"))

	p, err := process.Start(process.StartRequest{
		SessionID: sessionID,
		Command:   command,
		Shell:     e.cfg.Shell,
		Dir:       e.cfg.WorkDir,
		Env:       e.cfg.Env,
		PTY:       e.cfg.PTY,
	})
	if err != nil {
		res.Release()
		e.log.Debugw("spawn failed", "SessionID", sessionID, "Error", err)
		e.emit(s, errorEvent(sessionID, err.Error()))
		e.emit(s, finishedEvent(sessionID, -1))
		return nil, fmt.Errorf("spawning command: %w", err)
	}
	s.proc = p

	if err := res.Commit(p); err != nil {
		// the slot was deregistered while the process was starting, so nothing could cancel it
		e.log.Debugw("lost session reservation, killing process", "SessionID", sessionID, "PID", p.PID)
		if err := p.Kill(); err != nil {
			e.log.Debugf("error killing unregistered process: %s", err)
		}
	}

	e.log.Infow("command started", "SessionID", sessionID, "PID", p.PID, "Command", command)

	e.mut.Lock()
	e.running[p] = s
	e.mut.Unlock()

	e.wg.Add(1)
	go e.stream(s)
	return p, nil
}

func (e *Executor) stream(s *submission) {
	defer e.wg.Done()
	p := s.proc
	log := e.log.With("SessionID", s.sessionID, "PID", p.PID)

	err := e.pump(s)
	if err != nil {
		log.Debugf("output stream error, killing process: %s", err)
		e.emit(s, errorEvent(s.sessionID, err.Error()))
		if err := p.Kill(); err != nil {
			log.Debugf("error killing process: %s", err)
		}
	}

	// EOF alone is not completion, an exited shell can leave children holding the pipe and vice versa
	res, err := p.Wait(context.Background())
	if err != nil {
		log.Debugf("unexpected wait error: %s", err)
	}
	p.Close()

	// deregister before announcing, so that a client reacting to command_finished can submit again right away
	e.registry.DeregisterProcess(s.sessionID, p)

	e.mut.Lock()
	delete(e.running, p)
	interrupted := s.interrupted
	e.mut.Unlock()
	if interrupted {
		e.pub.Publish(s.sessionID, outputEvent(s.sessionID, interruptOutput))
	}

	log.Infow("command finished", "ExitCode", res.ExitCode, "TimeMS", res.TimeMS)
	e.emit(s, finishedEvent(s.sessionID, res.ExitCode))
}

// pump publishes output chunks until EOF.
func (e *Executor) pump(s *submission) error {
	buf := make([]byte, outputChunkSize)
	var pending []byte
	flush := func() {
		if len(pending) > 0 {
			e.emit(s, outputEvent(s.sessionID, string(pending)))
			pending = nil
		}
	}
	for {
		n, err := s.proc.Output().Read(buf)
		if n > 0 {
			chunk := append(pending, buf[:n]...)
			complete, rest := splitIncompleteRune(chunk)
			if len(complete) > 0 {
				e.emit(s, outputEvent(s.sessionID, string(complete)))
			}
			pending = append([]byte(nil), rest...)
		}
		if errors.Is(err, io.EOF) {
			flush()
			return nil
		}
		if err != nil {
			flush()
			return fmt.Errorf("reading command output: %w", err)
		}
	}
}

// splitIncompleteRune splits b before a trailing UTF-8 sequence that has been cut short,
// so that a multi-byte character is never split across two events.
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i > len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i], b[i:]
		}
		break
	}
	return b, nil
}

// Cancel interrupts the process bound to the session: SIGTERM, then SIGKILL if anything in its process group
// is still running after the grace period. The interrupt marker is published by the streaming goroutine,
// right before command_finished, so Cancel never waits on subscribers.
// It returns ErrNoProcess if nothing is running for the session.
func (e *Executor) Cancel(sessionID string) error {
	sessionID = sessionOrDefault(sessionID)
	p, ok := e.registry.Lookup(sessionID)
	if !ok {
		return ErrNoProcess
	}
	return e.cancel(p)
}

// CancelProcess is like Cancel, but only if p is still the process bound to its session.
func (e *Executor) CancelProcess(p *process.Process) error {
	cur, ok := e.registry.Lookup(p.SessionID)
	if !ok || cur != p {
		return ErrNoProcess
	}
	return e.cancel(p)
}

func (e *Executor) cancel(p *process.Process) error {
	log := e.log.With("SessionID", p.SessionID, "PID", p.PID)
	defer e.registry.DeregisterProcess(p.SessionID, p)

	e.mut.Lock()
	if s, ok := e.running[p]; ok {
		s.interrupted = true
	}
	e.mut.Unlock()

	if err := p.Terminate(); err != nil {
		return err
	}

	timer := time.NewTimer(e.cfg.GracePeriod)
	defer timer.Stop()
	expired := false
	select {
	case <-p.Done():
	case <-timer.C:
		expired = true
	}
	if !expired && p.GroupAlive() {
		// the shell is gone but its children may still be running
		<-timer.C
	}
	if p.GroupAlive() {
		log.Debugf("process group still running after %s, sending SIGKILL", e.cfg.GracePeriod)
		if err := p.Kill(); err != nil {
			return err
		}
	}

	log.Infow("command cancelled")
	return nil
}

// Sessions returns the IDs of sessions with a running command.
func (e *Executor) Sessions() []string {
	return e.registry.Sessions()
}

// Shutdown cancels every running command and waits for their streams to finish.
func (e *Executor) Shutdown(ctx context.Context) error {
	for _, id := range e.registry.Sessions() {
		err := e.Cancel(id)
		if err != nil && !errors.Is(err, ErrNoProcess) {
			e.log.Debugw("error cancelling session on shutdown", "SessionID", id, "Error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// userMessage is the terminal_error text shown for err.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrEmptyCommand):
		return "Empty command"
	case errors.Is(err, registry.ErrSessionBusy):
		return "Command already running for this session"
	case errors.Is(err, ErrNoProcess):
		return "No active process to kill"
	}
	return err.Error()
}
