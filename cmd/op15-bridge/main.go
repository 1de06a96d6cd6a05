package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/op15/bridge/internal/bridge"
	"github.com/op15/bridge/internal/logging"
	"github.com/op15/bridge/internal/tools"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var cfg serverConfig

var rootCmd = &cobra.Command{
	Use:     "op15-bridge",
	Short:   "op15-bridge - cloud-side bridge server for local agents",
	Long:    `op15-bridge terminates agent channels, correlates tool calls with agent responses, and exposes the tool surface to the orchestrator.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("op15-bridge %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.Flags().StringVar(&cfg.Listen, "listen", "", "listen address (default "+defaultListenAddr+")")
	rootCmd.Flags().StringVar(&cfg.AgentsFile, "agents-file", "", "path to the agent registry JSON file")
	rootCmd.Flags().StringVar(&cfg.LogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.Flags().StringVar(&cfg.LogFormat, "log-format", "auto", "log format (auto, console, json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// .env keeps deployment credentials out of the unit file.
	_ = godotenv.Load()
	cfg.applyEnv()

	logger := logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "bridge",
	})

	registry, err := loadRegistry(cfg.AgentsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load agent registry")
	}

	manager := bridge.NewManager(bridge.Deps{
		SecretFor:        registry.SecretFor,
		LoopbackEndpoint: registry.LoopbackEndpoint,
	}, logger)
	dispatcher := bridge.NewDispatcher(manager, logger)
	surface := tools.New(dispatcher, logger)

	server := newHTTPServer(cfg.Listen, manager, surface, cfg.APIToken, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("version", Version).
			Str("listen", cfg.Listen).
			Msg("Starting bridge server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Bridge server failed")
		}
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown error")
		}
	}
}
