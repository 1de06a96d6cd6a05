// Package agent implements the local daemon: a loopback HTTP API for the
// browser, an upstream bridge channel client for the cloud, and the
// dispatch path that interposes the permission check between every
// request and the executor.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/op15/bridge/internal/actionlog"
	"github.com/op15/bridge/internal/executor"
	"github.com/op15/bridge/internal/permissions"
)

// ErrAuthRejected is returned from Run when the cloud refuses the
// upstream handshake for this identity. The binary exits 2 on it.
var ErrAuthRejected = errors.New("upstream rejected agent credentials")

// Agent is the daemon process state.
type Agent struct {
	cfg     Config
	logger  zerolog.Logger
	home    string
	perms   *permissions.Core
	exec    *executor.Executor
	actions *actionlog.Log

	upstream *Upstream

	killOnce sync.Once
	killCh   chan struct{}
}

// New builds an Agent from its config. The home directory anchors path
// resolution and the filesystem index.
func New(cfg Config, logger zerolog.Logger) (*Agent, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determine home directory: %w", err)
	}

	a := &Agent{
		cfg:     cfg,
		logger:  logger,
		home:    home,
		perms:   permissions.NewDefault(),
		actions: actionlog.New(actionlog.DefaultCapacity),
		killCh:  make(chan struct{}),
	}
	a.exec = executor.New(executor.Config{Home: home, Logger: logger})
	a.upstream = newUpstream(a)
	return a, nil
}

// Kill requests a graceful shutdown. Safe to call more than once.
func (a *Agent) Kill() {
	a.killOnce.Do(func() { close(a.killCh) })
}

// Run starts both listeners and blocks until ctx is cancelled, /kill is
// hit, or the upstream rejects our credentials.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.serveHTTP(ctx)
	})
	g.Go(func() error {
		return a.upstream.Run(ctx)
	})
	g.Go(func() error {
		select {
		case <-a.killCh:
			a.logger.Info().Msg("shutdown requested via /kill")
			cancel()
			return nil
		case <-ctx.Done():
			return nil
		}
	})

	err := g.Wait()
	if errors.Is(err, ErrAuthRejected) {
		return ErrAuthRejected
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
