package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/shellagent/agent/process"
	"github.com/guseggert/shellagent/agent/registry"
	"github.com/guseggert/shellagent/agent/topic"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	readLimit = 32768

	// outQueueSize is the number of events buffered per connection before publishers block.
	outQueueSize = 256

	// sendTimeout is how long a client may leave its queue full, or a single write unfinished, before it is dropped.
	sendTimeout = 10 * time.Second
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("client is not reading events")
)

// DisconnectPolicy decides what happens to a connection's running commands when it goes away.
type DisconnectPolicy string

const (
	// DisconnectKill cancels every command the connection submitted that is still running.
	DisconnectKill DisconnectPolicy = "kill"
	// DisconnectDetach leaves commands running, clients can reattach with join_session.
	DisconnectDetach DisconnectPolicy = "detach"
)

func ParseDisconnectPolicy(s string) (DisconnectPolicy, error) {
	switch p := DisconnectPolicy(s); p {
	case DisconnectKill, DisconnectDetach:
		return p, nil
	}
	return "", fmt.Errorf("unsupported disconnect policy %q", s)
}

type Config struct {
	Executor     ExecutorConfig
	OnDisconnect DisconnectPolicy
	// OriginPatterns are the browser origins allowed in addition to the server's own host.
	OriginPatterns []string
}

// Server is the WebSocket endpoint of the remote shell.
type Server struct {
	Log      *zap.SugaredLogger
	Hub      *topic.Hub[Event]
	Executor *Executor

	onDisconnect   DisconnectPolicy
	originPatterns []string
}

func NewServer(log *zap.SugaredLogger, cfg Config) *Server {
	hub := topic.NewHub[Event](log.Named("hub"))
	onDisconnect := cfg.OnDisconnect
	if onDisconnect == "" {
		onDisconnect = DisconnectKill
	}
	return &Server{
		Log:            log,
		Hub:            hub,
		Executor:       NewExecutor(log.Named("executor"), registry.New(), hub, cfg.Executor),
		onDisconnect:   onDisconnect,
		originPatterns: cfg.OriginPatterns,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		OriginPatterns:  s.originPatterns,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := uuid.NewString()
	c := &conn{
		id:          id,
		log:         s.Log.Named("conn").With("ConnID", id),
		srv:         s,
		ws:          wsConn,
		ctx:         ctx,
		cancel:      cancel,
		out:         make(chan Event, outQueueSize),
		sendTimeout: sendTimeout,
		writerDone:  make(chan struct{}),
		submitted:   map[string]*process.Process{},
	}
	c.run()
}

// Shutdown cancels all running commands.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Executor.Shutdown(ctx)
}

// RunResult is the outcome of a command run with RunCommand.
type RunResult struct {
	ExitCode int
	Output   string
	Errors   []string
}

// RunCommand runs command for the session and waits for it to finish, collecting its combined output.
// Connections joined to the session see the command like any other. If ctx is done first the command is cancelled.
func (s *Server) RunCommand(ctx context.Context, sessionID, command string) (*RunResult, error) {
	col := &collector{done: make(chan struct{})}
	p, err := s.Executor.Submit(sessionID, command, col)
	if err != nil {
		return nil, err
	}
	select {
	case <-col.done:
		return col.result(), nil
	case <-ctx.Done():
		err := s.Executor.CancelProcess(p)
		if err != nil && !errors.Is(err, ErrNoProcess) {
			s.Log.Debugf("error cancelling command after context done: %s", err)
		}
		return nil, ctx.Err()
	}
}

type collector struct {
	mut      sync.Mutex
	output   strings.Builder
	errors   []string
	exitCode int
	done     chan struct{}
}

func (c *collector) Send(ev Event) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	switch d := ev.Data.(type) {
	case TerminalOutput:
		c.output.WriteString(d.Data)
	case TerminalError:
		c.errors = append(c.errors, d.Error)
	case CommandFinished:
		c.exitCode = d.ReturnCode
		close(c.done)
	}
	return nil
}

func (c *collector) result() *RunResult {
	c.mut.Lock()
	defer c.mut.Unlock()
	return &RunResult{
		ExitCode: c.exitCode,
		Output:   c.output.String(),
		Errors:   c.errors,
	}
}

// conn is one client connection. It subscribes to session topics and implements topic.Subscriber.
type conn struct {
	id     string
	log    *zap.SugaredLogger
	srv    *Server
	ws     *websocket.Conn
	ctx    context.Context
	cancel func()

	out         chan Event
	sendTimeout time.Duration
	writerDone  chan struct{}

	// submitted is only touched by the reading goroutine
	submitted map[string]*process.Process

	closeConnOnce sync.Once
}

func (c *conn) run() {
	c.log.Info("client connected")
	go c.writeMessages()

	c.Send(Event{Name: EventConnected, Data: Connected{Data: connectedMessage}})
	c.readMessages()
	c.shutdown()
}

// Send queues ev for the client, blocking while the queue is full.
// A client whose queue stays full for sendTimeout is disconnected.
func (c *conn) Send(ev Event) error {
	select {
	case <-c.ctx.Done():
		return errConnClosed
	default:
	}
	select {
	case c.out <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()
	select {
	case c.out <- ev:
		return nil
	case <-c.ctx.Done():
		return errConnClosed
	case <-timer.C:
		c.log.Infof("client has not read events for %s, disconnecting", c.sendTimeout)
		c.cancel()
		return errSlowConsumer
	}
}

func (c *conn) writeMessages() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, c.sendTimeout)
			err := wsjson.Write(ctx, c.ws, ev)
			cancel()
			if err != nil {
				c.log.Debugf("error writing event: %s", err)
				c.cancel()
				return
			}
		}
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeConnOnce.Do(func() {
		err := c.ws.Close(code, reason)
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (c *conn) readMessages() {
	for {
		typ, b, err := c.ws.Read(c.ctx)
		switch status := websocket.CloseStatus(err); {
		case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
			c.log.Debug("got normal closure from client")
			return
		case err != nil:
			c.log.Debugf("message reader got error: %s", err)
			return
		}
		if typ != websocket.MessageText {
			c.Send(errorEvent("", "expected a JSON text message"))
			continue
		}

		var raw rawEvent
		if err := json.Unmarshal(b, &raw); err != nil {
			c.Send(errorEvent("", fmt.Sprintf("invalid message: %s", err)))
			continue
		}
		ev, err := raw.decode()
		if err != nil {
			c.Send(errorEvent("", err.Error()))
			continue
		}
		c.handle(ev)
	}
}

func (c *conn) handle(ev Event) {
	c.log.Debugw("got event", "Event", ev.Name)
	switch d := ev.Data.(type) {
	case ExecuteCommand:
		c.execute(d)
	case SessionRequest:
		sessionID := sessionOrDefault(d.SessionID)
		switch ev.Name {
		case EventKillProcess:
			c.kill(sessionID)
		case EventJoinSession:
			c.srv.Hub.Subscribe(sessionID, c)
		case EventLeaveSession:
			c.srv.Hub.Unsubscribe(sessionID, c)
		}
	default:
		c.Send(errorEvent("", fmt.Sprintf("unexpected event %q", ev.Name)))
	}
}

func (c *conn) execute(req ExecuteCommand) {
	sessionID := sessionOrDefault(req.SessionID)
	if strings.TrimSpace(req.Command) == "" {
		c.Send(errorEvent(sessionID, userMessage(ErrEmptyCommand)))
		return
	}

	c.srv.Hub.Subscribe(sessionID, c)

	p, err := c.srv.Executor.Submit(sessionID, req.Command)
	if err != nil {
		// spawn failures have already been published to the session
		if errors.Is(err, registry.ErrSessionBusy) || errors.Is(err, ErrEmptyCommand) {
			c.Send(errorEvent(sessionID, userMessage(err)))
		}
		return
	}
	c.submitted[sessionID] = p
}

func (c *conn) kill(sessionID string) {
	err := c.srv.Executor.Cancel(sessionID)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoProcess):
		c.Send(errorEvent(sessionID, userMessage(err)))
	default:
		c.log.Debugw("error killing process", "SessionID", sessionID, "Error", err)
		c.Send(errorEvent(sessionID, "Error killing process: "+err.Error()))
	}
}

func (c *conn) shutdown() {
	c.cancel()
	<-c.writerDone
	c.srv.Hub.UnsubscribeAll(c)

	if c.srv.onDisconnect == DisconnectKill {
		for sessionID, p := range c.submitted {
			err := c.srv.Executor.CancelProcess(p)
			if err != nil && !errors.Is(err, ErrNoProcess) {
				c.log.Debugw("error cancelling process on disconnect", "SessionID", sessionID, "Error", err)
			}
		}
	}

	c.close(websocket.StatusNormalClosure, "")
	c.log.Info("client disconnected")
}
