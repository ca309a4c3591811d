package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/shellagent/agent"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "shellagent",
		Usage: "a remote shell over WebSockets",
		Commands: []*cli.Command{
			serveCommand,
			execCommand,
			sessionsCommand,
			certsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the shell agent",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to a YAML config file. Flags take precedence over its values.",
			EnvVars: []string{"SHELLAGENT_CONFIG"},
		},
		&cli.StringFlag{
			Name:        "listen-addr",
			Usage:       "The address for the HTTP server to listen on.",
			DefaultText: agent.DefaultListenAddr,
			EnvVars:     []string{"SHELLAGENT_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:        "shell",
			Usage:       "The shell that runs commands with -c.",
			DefaultText: "/bin/sh",
			EnvVars:     []string{"SHELLAGENT_SHELL"},
		},
		&cli.StringFlag{
			Name:        "work-dir",
			Usage:       "The working directory of commands.",
			DefaultText: "home directory",
			EnvVars:     []string{"SHELLAGENT_WORK_DIR"},
		},
		&cli.StringSliceFlag{
			Name:    "env",
			Usage:   "Extra environment variables for commands, as KEY=VALUE.",
			EnvVars: []string{"SHELLAGENT_ENV"},
		},
		&cli.DurationFlag{
			Name:        "grace-period",
			Usage:       "How long a killed command gets after SIGTERM before SIGKILL.",
			DefaultText: "100ms",
			EnvVars:     []string{"SHELLAGENT_GRACE_PERIOD"},
		},
		&cli.StringFlag{
			Name:        "on-disconnect",
			Usage:       "What to do with a client's running commands when it disconnects. One of [kill,detach].",
			DefaultText: "kill",
			EnvVars:     []string{"SHELLAGENT_ON_DISCONNECT"},
		},
		&cli.BoolFlag{
			Name:    "pty",
			Usage:   "Run commands on a pseudo-terminal.",
			EnvVars: []string{"SHELLAGENT_PTY"},
		},
		&cli.StringSliceFlag{
			Name:    "origin-pattern",
			Usage:   "Additional browser origins allowed to open shells.",
			EnvVars: []string{"SHELLAGENT_ORIGIN_PATTERNS"},
		},
		&cli.StringFlag{
			Name:    "certs-dir",
			Usage:   "Directory with the cert bundle written by 'shellagent certs'. Enables mTLS.",
			EnvVars: []string{"SHELLAGENT_CERTS_DIR"},
		},
		&cli.DurationFlag{
			Name:        "heartbeat-timeout",
			Usage:       "Duration to wait for a heartbeat before the heartbeat failure action.",
			DefaultText: "1m",
			EnvVars:     []string{"SHELLAGENT_HEARTBEAT_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:        "on-heartbeat-failure",
			Usage:       "Action to take on a heartbeat failure. One of [shutdown,exit,none].",
			DefaultText: "none",
			EnvVars:     []string{"SHELLAGENT_ON_HEARTBEAT_FAILURE"},
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Minimum log level. One of [debug,info,warn,error].",
			DefaultText: "info",
			EnvVars:     []string{"SHELLAGENT_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log encoding. One of [console,json].",
			DefaultText: "console",
			EnvVars:     []string{"SHELLAGENT_LOG_FORMAT"},
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := loadServeConfig(ctx.String("config"))
		if err != nil {
			return err
		}
		cfg.applyFlags(ctx)

		opts, err := cfg.agentOptions()
		if err != nil {
			return err
		}
		a, err := agent.NewShellAgent(opts...)
		if err != nil {
			return fmt.Errorf("building agent: %w", err)
		}

		sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-sigCtx.Done()
			if err := a.Stop(); err != nil {
				log.Printf("error stopping agent: %s", err)
			}
		}()

		return a.Run()
	},
}

var clientFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "addr",
		Usage:   "The address of the agent.",
		Value:   agent.DefaultListenAddr,
		EnvVars: []string{"SHELLAGENT_ADDR"},
	},
	&cli.StringFlag{
		Name:    "certs-dir",
		Usage:   "Directory with the cert bundle written by 'shellagent certs'. Enables mTLS.",
		EnvVars: []string{"SHELLAGENT_CERTS_DIR"},
	},
	&cli.BoolFlag{
		Name:  "debug",
		Usage: "Log client debug output to stderr.",
	},
}

func newClient(ctx *cli.Context) (*agent.Client, error) {
	logger := zap.NewNop()
	if ctx.Bool("debug") {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		logger = l
	}
	var opts []agent.ClientOption
	if dir := ctx.String("certs-dir"); dir != "" {
		certs, err := agent.ReadCertsDir(dir)
		if err != nil {
			return nil, fmt.Errorf("reading certs: %w", err)
		}
		opts = append(opts, agent.WithClientCerts(certs))
	}
	return agent.NewClient(logger.Sugar(), ctx.String("addr"), opts...)
}

var execCommand = &cli.Command{
	Name:      "exec",
	Usage:     "run a command on the agent, streaming its output, and exit with its exit code",
	ArgsUsage: "COMMAND...",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:    "session",
			Aliases: []string{"s"},
			Usage:   "The session to run the command in.",
			Value:   "default",
		},
	}, clientFlags...),
	Action: func(ctx *cli.Context) error {
		command := strings.Join(ctx.Args().Slice(), " ")
		if strings.TrimSpace(command) == "" {
			return cli.Exit("no command given", 2)
		}
		client, err := newClient(ctx)
		if err != nil {
			return err
		}

		// interrupting kills the remote command
		runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		connectCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		defer cancel()
		conn, err := client.Shell(connectCtx)
		if err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		defer conn.Close()

		res, err := conn.Run(runCtx, ctx.String("session"), command, os.Stdout)
		if errors.Is(err, context.Canceled) && res != nil {
			return cli.Exit("", 130)
		}
		if err != nil {
			return err
		}
		for _, msg := range res.Errors {
			fmt.Fprintln(os.Stderr, msg)
		}
		if res.ExitCode != 0 {
			return cli.Exit("", res.ExitCode)
		}
		return nil
	},
}

var sessionsCommand = &cli.Command{
	Name:  "sessions",
	Usage: "list the sessions that have a running command",
	Flags: clientFlags,
	Action: func(ctx *cli.Context) error {
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		sessions, err := client.ListSessions(ctx.Context)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Println(s)
		}
		return nil
	},
}

var certsCommand = &cli.Command{
	Name:  "certs",
	Usage: "generate a CA, server and client cert bundle for mTLS",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "out",
			Usage: "The directory to write the bundle to.",
			Value: "shellagent-certs",
		},
	},
	Action: func(ctx *cli.Context) error {
		certs, err := agent.GenerateCerts()
		if err != nil {
			return fmt.Errorf("generating certs: %w", err)
		}
		dir := ctx.String("out")
		err = certs.WriteDir(dir)
		if err != nil {
			return err
		}
		fmt.Printf("wrote cert bundle to %s\n", dir)
		return nil
	},
}
