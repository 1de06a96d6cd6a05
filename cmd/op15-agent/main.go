package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/op15/bridge/internal/agent"
	"github.com/op15/bridge/internal/logging"
)

// Version is set at build time with -ldflags.
var Version = "dev"

const (
	exitOK           = 0
	exitStartupError = 1
	exitAuthRejected = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("op15-agent", flag.ContinueOnError)
	logLevel := fs.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	logFormat := fs.String("log-format", "auto", "log format (auto, console, json)")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: op15-agent [flags] [serverUrl [userId]]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitStartupError
	}

	if *showVersion {
		fmt.Printf("op15-agent %s\n", Version)
		return exitOK
	}

	logger := logging.Init(logging.Config{
		Format:    *logFormat,
		Level:     *logLevel,
		Component: "agent",
	})

	cfg, err := agent.LoadConfig(fs.Args())
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitStartupError
	}

	a, err := agent.New(cfg, logger)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize agent")
		return exitStartupError
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info().
		Str("version", Version).
		Str("serverUrl", cfg.ServerURL).
		Str("userId", cfg.UserID).
		Int("httpPort", cfg.HTTPPort).
		Msg("Starting agent")

	if err := a.Run(ctx); err != nil {
		if errors.Is(err, agent.ErrAuthRejected) {
			log.Error().Err(err).Msg("Credentials rejected; reinstall the agent to refresh them")
			return exitAuthRejected
		}
		log.Error().Err(err).Msg("Agent exited with error")
		return exitStartupError
	}

	logger.Info().Msg("Agent stopped")
	return exitOK
}
