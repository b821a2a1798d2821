// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"

	"webserv_go/internal/cgi"
	"webserv_go/internal/config"
	"webserv_go/internal/route"
	"webserv_go/internal/server"
	"webserv_go/internal/session"
)

// arguments holds command-line arguments parsed by go-arg
type arguments struct {
	Config     string        `arg:"-c,--config" help:"YAML configuration file" default:"webserv.yaml"`
	Listen     []string      `arg:"-l,--listen,separate" help:"Socket URL (tcp:host:port or unix:/path), repeatable; overrides the config"`
	Root       string        `arg:"--root" help:"Document root; overrides the config"`
	CGITimeout time.Duration `arg:"--cgi-timeout" help:"Time a CGI script may run, e.g. 5s"`
	MaxCGI     int           `arg:"-w,--max-cgi" help:"Max concurrent CGI scripts (0 = unlimited)" default:"-1"`
	QuietCGI   bool          `arg:"--quiet-cgi" help:"Discard the stderr of CGI scripts instead of forwarding it to the server stderr"`
	LogFormat  string        `arg:"--log-format" help:"Log format: 'text' (default) or 'json'"`
	LogLevel   string        `arg:"--log-level" help:"Log level: debug, info, warn or error"`
}

func (arguments) Description() string {
	return "webserv serves static files and CGI scripts from a single event loop\n"
}

// parse the arguments with go-arg. Uses MustParse -> might exit
func parseArgs() arguments {
	args := arguments{
		LogFormat: "text",
		LogLevel:  "info",
	}
	arg.MustParse(&args)
	return args
}

// loadConfig reads the config file and applies the command-line overrides.
func loadConfig(args arguments) (*config.Config, error) {
	cfg, err := config.Load(args.Config)
	if err != nil {
		return nil, err
	}
	if len(args.Listen) > 0 {
		cfg.Listen = args.Listen
	}
	if args.Root != "" {
		cfg.Root = args.Root
	}
	if args.CGITimeout > 0 {
		cfg.CGITimeout = args.CGITimeout
	}
	if args.MaxCGI >= 0 {
		cfg.MaxCGI = args.MaxCGI
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func sessionStore(cfg *config.Config) (session.Store, error) {
	if cfg.SessionDir == "" {
		return session.NewMemoryStore(), nil
	}
	return session.NewFileStore(cfg.SessionDir)
}

func run(args arguments) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	store, err := sessionStore(cfg)
	if err != nil {
		return err
	}

	opts := server.Options{Inherit: cgi.InheritedEnv(os.Environ())}
	if args.QuietCGI {
		devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("opening %s: %w", os.DevNull, err)
		}
		defer devNull.Close()
		opts.CGIStderr = devNull
	}

	srv, err := server.New(cfg, route.New(cfg, session.NewManager(store)), opts)
	if err != nil {
		return fmt.Errorf("initializing listener failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

func main() {
	args := parseArgs()
	slog.SetDefault(setupLogger(args.LogFormat, args.LogLevel))
	slog.Info("starting webserv", "config", args.Config, "listen", args.Listen, "max_cgi", args.MaxCGI)

	if err := run(args); err != nil {
		slog.Error("webserv failed", "err", err)
		os.Exit(1)
	}
	slog.Info("webserv stopped")
}
