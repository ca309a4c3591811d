package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/shellagent/agent/registry"
	"github.com/guseggert/shellagent/agent/shell"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func newTestAgent(t *testing.T, opts ...Option) *ShellAgent {
	opts = append([]Option{
		WithListenAddr("127.0.0.1:0"),
		WithLogger(zap.NewNop()),
		WithWorkDir(t.TempDir()),
	}, opts...)
	agent, err := NewShellAgent(opts...)
	require.NoError(t, err)
	require.NoError(t, agent.Listen())

	go agent.Run()
	t.Cleanup(func() {
		require.NoError(t, agent.Stop())
	})
	return agent
}

func newTestClient(t *testing.T, agent *ShellAgent, opts ...ClientOption) *Client {
	client, err := NewClient(log, agent.Addr().String(), opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))
	return client
}

func TestNegativeAuthz(t *testing.T) {
	// ensure that unauthorized clients are rejected
	serverCerts, err := GenerateCerts()
	require.NoError(t, err)
	agent := newTestAgent(t, WithTLS(
		serverCerts.CA.CertPEMBytes,
		serverCerts.Server.CertPEMBytes,
		serverCerts.Server.KeyPEMBytes,
	))

	// generate some client certs with the same CA but with keys actually signed by some other CA
	// which should fail server-side validation
	clientCerts, err := GenerateCerts()
	require.NoError(t, err)
	clientCerts.CA = serverCerts.CA
	client, err := NewClient(log, agent.Addr().String(), WithClientCerts(clientCerts), WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	err = client.SendHeartbeat(context.Background())
	require.ErrorContains(t, err, "remote error: tls:")
}

func TestPlainClientRejectedByTLSAgent(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)
	agent := newTestAgent(t, WithTLS(certs.CA.CertPEMBytes, certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes))

	client, err := NewClient(log, agent.Addr().String(), WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	err = client.SendHeartbeat(context.Background())
	require.Error(t, err)
}

func TestTLSShell(t *testing.T) {
	ctx := context.Background()

	certs, err := GenerateCerts()
	require.NoError(t, err)
	agent := newTestAgent(t, WithTLS(certs.CA.CertPEMBytes, certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes))
	client := newTestClient(t, agent, WithClientCerts(certs))

	resp, err := client.RunCommand(ctx, "s1", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ExitCode)
	assert.Equal(t, "hello\n", resp.Output)

	conn, err := client.Shell(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var out strings.Builder
	res, err := conn.Run(ctx, "s1", "echo streamed", &out)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "streamed\n", out.String())
}

func TestCommand(t *testing.T) {
	ctx := context.Background()

	agent := newTestAgent(t)
	client := newTestClient(t, agent)

	cases := []struct {
		name        string
		sessionID   string
		cmd         string
		expExitCode int
		expOutput   string
		expErr      error
	}{
		{
			name:      "happy case",
			cmd:       "echo hello",
			expOutput: "hello\n",
		},
		{
			name:      "stdout and stderr are combined",
			sessionID: "s1",
			cmd:       "printf foo; printf bar 1>&2",
			expOutput: "foobar",
		},
		{
			name:        "non-zero exit code",
			cmd:         "echo oops; exit 3",
			expExitCode: 3,
			expOutput:   "oops\n",
		},
		{
			name:      "runs in the work dir",
			cmd:       "ls",
			expOutput: "",
		},
		{
			name:   "empty command",
			cmd:    "  ",
			expErr: shell.ErrEmptyCommand,
		},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			resp, err := client.RunCommand(ctx, c.sessionID, c.cmd)
			if c.expErr != nil {
				require.ErrorIs(t, err, c.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expExitCode, resp.ExitCode)
			assert.Equal(t, c.expOutput, resp.Output)
		})
	}
}

func TestCommandBusySession(t *testing.T) {
	ctx := context.Background()

	agent := newTestAgent(t)
	client := newTestClient(t, agent)

	conn, err := client.Shell(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Execute(ctx, "s1", "sleep 10"))
	require.Eventually(t, func() bool {
		sessions, err := client.ListSessions(ctx)
		return err == nil && len(sessions) == 1 && sessions[0] == "s1"
	}, 5*time.Second, 10*time.Millisecond)

	_, err = client.RunCommand(ctx, "s1", "echo nope")
	require.ErrorIs(t, err, registry.ErrSessionBusy)

	// other sessions are not affected
	resp, err := client.RunCommand(ctx, "s2", "echo yes")
	require.NoError(t, err)
	assert.Equal(t, "yes\n", resp.Output)

	require.NoError(t, conn.Kill(ctx, "s1"))
	require.Eventually(t, func() bool {
		sessions, err := client.ListSessions(ctx)
		return err == nil && len(sessions) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestListSessionsEmpty(t *testing.T) {
	agent := newTestAgent(t)
	client := newTestClient(t, agent)

	sessions, err := client.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestStopCancelsCommands(t *testing.T) {
	ctx := context.Background()

	agent, err := NewShellAgent(WithListenAddr("127.0.0.1:0"), WithLogger(zap.NewNop()), WithWorkDir(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, agent.Listen())
	go agent.Run()

	client := newTestClient(t, agent)
	conn, err := client.Shell(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Execute(ctx, "s1", "sleep 10"))
	require.Eventually(t, func() bool {
		return len(agent.shellServer.Executor.Sessions()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, agent.Stop())
	assert.Empty(t, agent.shellServer.Executor.Sessions())
}

func TestHeartbeatFailure(t *testing.T) {
	var failed atomic.Bool
	agent := newTestAgent(t,
		WithHeartbeatTimeout(500*time.Millisecond),
		WithHeartbeatFailureHandler(func() { failed.Store(true) }),
	)
	client := newTestClient(t, agent, WithClientHeartbeatInterval(50*time.Millisecond))

	client.StartHeartbeat()
	time.Sleep(1 * time.Second)
	assert.False(t, failed.Load())

	client.StopHeartbeat()
	require.Eventually(t, failed.Load, 5*time.Second, 10*time.Millisecond)
}

func TestInvalidDisconnectPolicy(t *testing.T) {
	_, err := NewShellAgent(WithLogger(zap.NewNop()), WithDisconnectPolicy("explode"))
	require.ErrorContains(t, err, "unsupported disconnect policy")
}

func TestCertsDir(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "certs")
	require.NoError(t, certs.WriteDir(dir))

	info, err := os.Stat(filepath.Join(dir, ServerKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	read, err := ReadCertsDir(dir)
	require.NoError(t, err)
	assert.Equal(t, certs.CA.CertPEMBytes, read.CA.CertPEMBytes)
	assert.Equal(t, certs.Server.KeyPEMBytes, read.Server.KeyPEMBytes)
	assert.Equal(t, certs.Client.CertPEMBytes, read.Client.CertPEMBytes)

	_, err = ClientTLSConfig(read.CA.CertPEMBytes, read.Client.CertPEMBytes, read.Client.KeyPEMBytes)
	require.NoError(t, err)

	_, err = ReadCertsDir(t.TempDir())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogLevel(t *testing.T) {
	for _, c := range []struct {
		name string
		opts func(l *zap.Logger) []Option
	}{
		{
			name: "level before logger",
			opts: func(l *zap.Logger) []Option { return []Option{WithLogLevel(zapcore.ErrorLevel), WithLogger(l)} },
		},
		{
			name: "level after logger",
			opts: func(l *zap.Logger) []Option { return []Option{WithLogger(l), WithLogLevel(zapcore.ErrorLevel)} },
		},
	} {
		c := c
		t.Run(c.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			a, err := NewShellAgent(c.opts(zap.New(core))...)
			require.NoError(t, err)

			a.logger.Info("dropped")
			a.logger.Error("kept")
			require.Equal(t, 1, logs.Len())
			assert.Equal(t, "kept", logs.All()[0].Message)
		})
	}
}
