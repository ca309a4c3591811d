package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/shellagent/agent/registry"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	// clientReadLimit leaves room for JSON-escaped output chunks.
	clientReadLimit = 1 << 20

	// killWait bounds how long Run waits for a cancelled command to be reported finished.
	killWait = 5 * time.Second
)

// Client connects to a shell Server.
type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger
}

// RemoteError is a terminal_error reported by the server.
type RemoteError struct {
	SessionID string
	Message   string
}

func (e *RemoteError) Error() string {
	if e.SessionID == "" {
		return e.Message
	}
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Message)
}

// Connect dials the server and waits for its connected event.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log.Debugw("dialing WebSocket for shell", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn to shell: %w", err)
	}
	wsConn.SetReadLimit(clientReadLimit)

	conn := &Conn{log: log.Named("shell_conn"), ws: wsConn}
	ev, err := conn.Recv(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading connected event: %w", err)
	}
	if ev.Name != EventConnected {
		conn.Close()
		return nil, fmt.Errorf("expected %s event, got %s", EventConnected, ev.Name)
	}
	return conn, nil
}

// Conn is a client connection to a shell Server. Send methods are safe for concurrent use,
// Recv must only be called from one goroutine at a time.
type Conn struct {
	log *zap.SugaredLogger
	ws  *websocket.Conn

	closeConnOnce sync.Once
}

func (c *Conn) Send(ctx context.Context, ev Event) error {
	return wsjson.Write(ctx, c.ws, ev)
}

func (c *Conn) Execute(ctx context.Context, sessionID, command string) error {
	return c.Send(ctx, Event{Name: EventExecuteCommand, Data: ExecuteCommand{Command: command, SessionID: sessionID}})
}

func (c *Conn) Kill(ctx context.Context, sessionID string) error {
	return c.Send(ctx, Event{Name: EventKillProcess, Data: SessionRequest{SessionID: sessionID}})
}

// Join subscribes to a session's events without submitting a command.
func (c *Conn) Join(ctx context.Context, sessionID string) error {
	return c.Send(ctx, Event{Name: EventJoinSession, Data: SessionRequest{SessionID: sessionID}})
}

func (c *Conn) Leave(ctx context.Context, sessionID string) error {
	return c.Send(ctx, Event{Name: EventLeaveSession, Data: SessionRequest{SessionID: sessionID}})
}

// Recv reads the next event. Data holds one of the payload types, e.g. TerminalOutput.
func (c *Conn) Recv(ctx context.Context) (Event, error) {
	var raw rawEvent
	err := wsjson.Read(ctx, c.ws, &raw)
	if err != nil {
		return Event{}, err
	}
	return raw.decode()
}

// Run executes command and copies its output to out until it finishes.
// Rejected submissions are returned as a *RemoteError. Errors reported while the command runs are collected
// in the result. If ctx is done first, the command is killed and ctx.Err() is returned once the server
// reports it finished.
func (c *Conn) Run(ctx context.Context, sessionID, command string, out io.Writer) (*RunResult, error) {
	sessionID = sessionOrDefault(sessionID)
	err := c.Execute(ctx, sessionID, command)
	if err != nil {
		return nil, fmt.Errorf("sending command: %w", err)
	}

	// reads use their own context, a cancelled read would close the conn before the kill is sent
	recvCtx, recvCancel := context.WithCancel(context.Background())
	defer recvCancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-stop:
			return
		case <-ctx.Done():
		}
		select {
		case <-stop:
			return
		default:
		}
		c.killAfterCancel(sessionID)
		select {
		case <-stop:
		case <-time.After(killWait):
			recvCancel()
		}
	}()

	echo := "$ " + strings.TrimSpace(command) + "\n"
	echoed := false
	res := &RunResult{ExitCode: -1}
	var output strings.Builder
	if out == nil {
		out = io.Discard
	}

	for {
		ev, err := c.Recv(recvCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		switch d := ev.Data.(type) {
		case TerminalOutput:
			if d.SessionID != sessionID {
				continue
			}
			if !echoed && d.Data == echo {
				echoed = true
				continue
			}
			output.WriteString(d.Data)
			if _, err := io.WriteString(out, d.Data); err != nil {
				return nil, fmt.Errorf("writing output: %w", err)
			}
		case TerminalError:
			if d.SessionID != sessionID && d.SessionID != "" {
				continue
			}
			if isRejection(d.Error) {
				return nil, &RemoteError{SessionID: d.SessionID, Message: d.Error}
			}
			res.Errors = append(res.Errors, d.Error)
		case CommandFinished:
			if d.SessionID != sessionID || !echoed {
				continue
			}
			res.ExitCode = d.ReturnCode
			res.Output = output.String()
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, nil
		}
	}
}

func (c *Conn) killAfterCancel(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), killWait)
	defer cancel()
	if err := c.Kill(ctx, sessionID); err != nil {
		c.log.Debugf("error killing session after cancel: %s", err)
	}
}

func isRejection(msg string) bool {
	return msg == userMessage(ErrEmptyCommand) || msg == userMessage(registry.ErrSessionBusy)
}

func (c *Conn) Close() error {
	var err error
	c.closeConnOnce.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

// IsClosed reports whether err means the server closed the connection normally.
func IsClosed(err error) bool {
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, io.EOF)
}
