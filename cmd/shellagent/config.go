package main

import (
	"fmt"
	"os"
	"time"

	"github.com/guseggert/shellagent/agent"
	"github.com/guseggert/shellagent/agent/shell"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// serveConfig is the configuration of the serve command. Every field can be set in the YAML config file,
// explicitly set flags take precedence.
type serveConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	Shell            string        `yaml:"shell"`
	WorkDir          string        `yaml:"work_dir,omitempty"`
	Env              []string      `yaml:"env,omitempty"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	DisconnectPolicy string        `yaml:"disconnect_policy"`
	PTY              bool          `yaml:"pty"`
	OriginPatterns   []string      `yaml:"origin_patterns,omitempty"`
	CertsDir         string        `yaml:"certs_dir,omitempty"`

	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	OnHeartbeatFailure string        `yaml:"on_heartbeat_failure"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaultServeConfig() serveConfig {
	return serveConfig{
		ListenAddr:         agent.DefaultListenAddr,
		Shell:              "/bin/sh",
		GracePeriod:        shell.DefaultGracePeriod,
		DisconnectPolicy:   string(shell.DisconnectKill),
		HeartbeatTimeout:   1 * time.Minute,
		OnHeartbeatFailure: "none",
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// loadServeConfig reads the config file at path on top of the defaults. An empty path only returns the defaults.
func loadServeConfig(path string) (serveConfig, error) {
	cfg := defaultServeConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags overrides the config with the flags that were set on the command line or through the environment.
func (c *serveConfig) applyFlags(ctx *cli.Context) {
	if ctx.IsSet("listen-addr") {
		c.ListenAddr = ctx.String("listen-addr")
	}
	if ctx.IsSet("shell") {
		c.Shell = ctx.String("shell")
	}
	if ctx.IsSet("work-dir") {
		c.WorkDir = ctx.String("work-dir")
	}
	if ctx.IsSet("env") {
		c.Env = ctx.StringSlice("env")
	}
	if ctx.IsSet("grace-period") {
		c.GracePeriod = ctx.Duration("grace-period")
	}
	if ctx.IsSet("on-disconnect") {
		c.DisconnectPolicy = ctx.String("on-disconnect")
	}
	if ctx.IsSet("pty") {
		c.PTY = ctx.Bool("pty")
	}
	if ctx.IsSet("origin-pattern") {
		c.OriginPatterns = ctx.StringSlice("origin-pattern")
	}
	if ctx.IsSet("certs-dir") {
		c.CertsDir = ctx.String("certs-dir")
	}
	if ctx.IsSet("heartbeat-timeout") {
		c.HeartbeatTimeout = ctx.Duration("heartbeat-timeout")
	}
	if ctx.IsSet("on-heartbeat-failure") {
		c.OnHeartbeatFailure = ctx.String("on-heartbeat-failure")
	}
	if ctx.IsSet("log-level") {
		c.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("log-format") {
		c.LogFormat = ctx.String("log-format")
	}
}

// agentOptions validates the config and turns it into agent options.
func (c *serveConfig) agentOptions() ([]agent.Option, error) {
	logger, err := buildLogger(c.LogFormat)
	if err != nil {
		return nil, err
	}
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	policy, err := shell.ParseDisconnectPolicy(c.DisconnectPolicy)
	if err != nil {
		return nil, err
	}

	var heartbeatFailureHandler func()
	switch c.OnHeartbeatFailure {
	case "shutdown":
		heartbeatFailureHandler = agent.HeartbeatFailureShutdown
	case "exit":
		heartbeatFailureHandler = agent.HeartbeatFailureExit
	case "none", "":
		// nothing
	default:
		return nil, fmt.Errorf("unsupported on-heartbeat-failure %q", c.OnHeartbeatFailure)
	}

	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithLogLevel(level),
		agent.WithListenAddr(c.ListenAddr),
		agent.WithShell(c.Shell),
		agent.WithWorkDir(c.WorkDir),
		agent.WithEnv(c.Env),
		agent.WithGracePeriod(c.GracePeriod),
		agent.WithDisconnectPolicy(policy),
		agent.WithPTY(c.PTY),
		agent.WithOriginPatterns(c.OriginPatterns),
		agent.WithHeartbeatTimeout(c.HeartbeatTimeout),
		agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
	}

	if c.CertsDir != "" {
		certs, err := agent.ReadCertsDir(c.CertsDir)
		if err != nil {
			return nil, fmt.Errorf("reading certs: %w", err)
		}
		opts = append(opts, agent.WithTLS(certs.CA.CertPEMBytes, certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes))
	}
	return opts, nil
}

func buildLogger(format string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	switch format {
	case "console", "":
		logger, err = zap.NewDevelopment()
	case "json":
		logger, err = zap.NewProduction()
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}
