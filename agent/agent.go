package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/shellagent/agent/registry"
	"github.com/guseggert/shellagent/agent/shell"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultListenAddr = "127.0.0.1:8080"

	shutdownTimeout = 5 * time.Second

	emptyCommandMessage = "request contained no command"
)

// ShellAgent is an HTTP agent that exposes a remote shell.
// If certs are configured with WithTLS, the agent requires mTLS for both traffic encryption and authz.
type ShellAgent struct {
	logger   *zap.SugaredLogger
	logLevel *zapcore.Level

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string
	shellConfig             shell.Config

	listener    net.Listener
	httpServer  *http.Server
	shellServer *shell.Server

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *ShellAgent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *ShellAgent) {
		a.heartbeatTimeout = d
	}
}

// WithHeartbeatFailureHandler sets a func that is called when no heartbeat has been received within the heartbeat timeout.
// Without one, heartbeats are accepted but never checked.
func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *ShellAgent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *ShellAgent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *ShellAgent) {
		a.logger = l.Named("shellagent").Sugar()
	}
}

// WithLogLevel raises the minimum level of the agent's logger, whichever logger is configured.
func WithLogLevel(l zapcore.Level) Option {
	return func(a *ShellAgent) {
		a.logLevel = &l
	}
}

// WithShell sets the shell that runs commands with "-c".
func WithShell(path string) Option {
	return func(a *ShellAgent) {
		a.shellConfig.Executor.Shell = path
	}
}

func WithWorkDir(dir string) Option {
	return func(a *ShellAgent) {
		a.shellConfig.Executor.WorkDir = dir
	}
}

// WithEnv sets the environment of commands, in addition to the agent's own.
func WithEnv(env []string) Option {
	return func(a *ShellAgent) {
		a.shellConfig.Executor.Env = env
	}
}

// WithGracePeriod sets how long a killed command gets to exit after SIGTERM before it is sent SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(a *ShellAgent) {
		a.shellConfig.Executor.GracePeriod = d
	}
}

func WithDisconnectPolicy(p shell.DisconnectPolicy) Option {
	return func(a *ShellAgent) {
		a.shellConfig.OnDisconnect = p
	}
}

// WithPTY runs commands on a pseudo-terminal instead of pipes.
func WithPTY(enabled bool) Option {
	return func(a *ShellAgent) {
		a.shellConfig.Executor.PTY = enabled
	}
}

// WithOriginPatterns allows browser clients from other origins to open shells.
func WithOriginPatterns(patterns []string) Option {
	return func(a *ShellAgent) {
		a.shellConfig.OriginPatterns = patterns
	}
}

// WithTLS enables mTLS. Clients must present a cert signed by the CA.
func WithTLS(caCertPEM, certPEM, keyPEM []byte) Option {
	return func(a *ShellAgent) {
		a.caCertPEM = caCertPEM
		a.certPEM = certPEM
		a.keyPEM = keyPEM
	}
}

func HeartbeatFailureShutdown() {
	fmt.Println("heartbeat failed, shutting down")
	cmd := exec.Command("shutdown", "now")
	err := cmd.Run()
	if err != nil {
		fmt.Printf("unable to shutdown host: %s", err)
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// NewShellAgent constructs a new shell agent.
func NewShellAgent(opts ...Option) (*ShellAgent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &ShellAgent{
		logger:           logger.Named("shellagent").Sugar(),
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       DefaultListenAddr,
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.logLevel != nil {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(*a.logLevel))
	}
	if a.shellConfig.OnDisconnect != "" {
		if _, err := shell.ParseDisconnectPolicy(string(a.shellConfig.OnDisconnect)); err != nil {
			return nil, err
		}
	}

	a.shellServer = shell.NewServer(a.logger.Named("shell_server"), a.shellConfig)

	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/shell", a.shell)
	router.GET("/sessions", a.sessions)
	router.POST("/command", a.command)
	a.httpServer = &http.Server{Handler: router}

	return a, nil
}

// startHeartbeatCheck starts a goroutine that checks for a heartbeat timeout and calls the failure handler when a timeout occurs.
func (a *ShellAgent) startHeartbeatCheck() {
	if a.heartbeatFailureHandler == nil {
		return
	}
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	interval := a.heartbeatTimeout / 10
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.logger.Infow("heartbeat timed out", "LastHeartbeat", lastHeartbeat)
				a.heartbeatFailureHandler()
				return
			}
		}
	}()
}

// Listen opens the listener. It is called by Run if needed, call it directly to learn the address before serving.
func (a *ShellAgent) Listen() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	a.listener = tcpListener

	if a.caCertPEM != nil {
		tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
		if err != nil {
			tcpListener.Close()
			return fmt.Errorf("building server TLS config: %w", err)
		}
		a.listener = tls.NewListener(tcpListener, tlsConfig)
	}

	a.logger.Infow("listening", "Addr", a.listener.Addr().String(), "TLS", a.caCertPEM != nil)
	return nil
}

// Addr returns the address the agent is listening on, or nil before Listen.
func (a *ShellAgent) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Run runs the shell agent and returns once the agent has stopped.
func (a *ShellAgent) Run() error {
	if a.listener == nil {
		if err := a.Listen(); err != nil {
			return err
		}
	}
	a.startHeartbeatCheck()

	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *ShellAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	writeJSON(a.logger, w, http.StatusOK, response)
}

func (a *ShellAgent) shell(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.shellServer.ServeHTTP(w, r)
}

type SessionsResponse struct {
	Sessions []string
}

func (a *ShellAgent) sessions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sessions := a.shellServer.Executor.Sessions()
	if sessions == nil {
		sessions = []string{}
	}
	writeJSON(a.logger, w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

type PostCommandRequest struct {
	Command   string
	SessionID string
}

type PostCommandResponse struct {
	ExitCode int
	Output   string
	Errors   []string `json:",omitempty"`
}

// command is a simple command runner which sends the combined output in the response once the command finishes.
// This is much easier to curl and write simple clients against, but doesn't support streaming output.
// The command still runs in its session, so connected shells see it and it is rejected while the session is busy.
func (a *ShellAgent) command(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req PostCommandRequest
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		http.Error(w, emptyCommandMessage, http.StatusBadRequest)
		return
	}

	// if the request is aborted, the command is cancelled
	res, err := a.shellServer.RunCommand(r.Context(), req.SessionID, req.Command)
	switch {
	case errors.Is(err, shell.ErrEmptyCommand):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, registry.ErrSessionBusy):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		a.logger.Debugf("error running command: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(a.logger, w, http.StatusOK, PostCommandResponse{
		ExitCode: res.ExitCode,
		Output:   res.Output,
		Errors:   res.Errors,
	})
}

func writeJSON(log *zap.SugaredLogger, w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		log.Debugf("error writing response: %s", err)
	}
}

// Stop cancels every running command and closes the HTTP server.
func (a *ShellAgent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.shellServer.Shutdown(ctx); err != nil {
		a.logger.Debugf("error shutting down shell server: %s", err)
	}
	return a.httpServer.Close()
}
