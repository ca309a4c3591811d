package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/shellagent/agent/registry"
	"github.com/guseggert/shellagent/agent/shell"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	certs                    *Certs
	customizeRetryableClient func(*retryablehttp.Client)
	shellClient              *shell.Client
	// commands are not idempotent, so they are never retried
	noRetryClient *http.Client

	waitInterval      time.Duration
	heartbeatInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeatInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("shellagent_client").Sugar()
	}
}

// WithClientCerts enables mTLS using the CA and client cert of the bundle.
func WithClientCerts(certs *Certs) ClientOption {
	return func(c *Client) {
		c.certs = certs
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the agent listening on addr (host:port).
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		Logger:            log.Named("shellagent_client"),
		waitInterval:      100 * time.Millisecond,
		heartbeatInterval: 10 * time.Second,
		stopHeartbeat:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext:     dialer.DialContext,
		MaxConnsPerHost: 0,
	}
	scheme := "http"
	if c.certs != nil {
		tlsConfig, err := ClientTLSConfig(c.certs.CA.CertPEMBytes, c.certs.Client.CertPEMBytes, c.certs.Client.KeyPEMBytes)
		if err != nil {
			return nil, fmt.Errorf("building client TLS config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		scheme = "https"
	}
	c.baseURL = fmt.Sprintf("%s://%s", scheme, addr)

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	c.noRetryClient = &http.Client{Transport: transport}

	c.shellClient = &shell.Client{
		HTTPClient: c.noRetryClient,
		URL:        c.baseURL + "/shell",
		Logger:     c.Logger.Named("shell_client"),
	}

	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

// do sends the request and decodes a JSON response into v, returning an *HTTPError for non-200 responses.
func (c *Client) do(client *http.Client, req *http.Request, v any) error {
	c.prepReq(req)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			body = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			body = string(bytes.TrimSpace(b))
		}
		return &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}
	if v == nil {
		return nil
	}
	err = json.NewDecoder(resp.Body).Decode(v)
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// HTTPError is a non-200 response from the agent.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("non-200 HTTP status code %d received: %s", e.StatusCode, e.Body)
}

// Unwrap maps status codes of the command route back to the errors that caused them.
func (e *HTTPError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusConflict:
		return registry.ErrSessionBusy
	case http.StatusBadRequest:
		if e.Body == emptyCommandMessage {
			return shell.ErrEmptyCommand
		}
	}
	return nil
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	err = c.do(c.HTTPClient, req, nil)
	if err != nil {
		return fmt.Errorf("sending heartbeat: %w", err)
	}
	return nil
}

// ListSessions returns the sessions that have a running command.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	var resp SessionsResponse
	err = c.do(c.HTTPClient, req, &resp)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return resp.Sessions, nil
}

// RunCommand runs command in the session and returns its combined output once it finishes.
// If the session is busy the error wraps registry.ErrSessionBusy.
func (c *Client) RunCommand(ctx context.Context, sessionID, command string) (*PostCommandResponse, error) {
	b, err := json.Marshal(PostCommandRequest{Command: command, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/command", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	var resp PostCommandResponse
	err = c.do(c.noRetryClient, req, &resp)
	if err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}
	return &resp, nil
}

// Shell opens a streaming shell connection.
func (c *Client) Shell(ctx context.Context) (*shell.Conn, error) {
	return c.shellClient.Connect(ctx)
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// StartHeartbeat sends heartbeats in the background until StopHeartbeat is called.
func (c *Client) StartHeartbeat() {
	go c.startHeartbeatOnce.Do(func() {
		ticker := time.NewTicker(c.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopHeartbeat:
				return
			case <-ticker.C:
			}
			err := c.SendHeartbeat(context.Background())
			if err != nil {
				c.Logger.Debugf("heartbeat error: %s", err)
			}
		}
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}
