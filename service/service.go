// Package service supervises the long-running parts of a process.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Loop is a component that runs until its context is cancelled.
type Loop struct {
	Name string
	Run  func(ctx context.Context) error
}

type Options struct {
	// Fatal reports whether a loop error must stop the process. Other
	// errors are logged and the loop restarted after RestartDelay.
	Fatal           func(error) bool
	RestartDelay    time.Duration
	ShutdownTimeout time.Duration
}

// Run serves srv and runs every loop until ctx is done or a fatal error
// occurs. A nil srv runs the loops only.
func Run(ctx context.Context, srv *http.Server, loops []Loop, opts Options, logger *zap.Logger) error {
	if opts.Fatal == nil {
		opts.Fatal = func(error) bool { return false }
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	g, ctx := errgroup.WithContext(ctx)

	if srv != nil {
		g.Go(func() error {
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	for _, l := range loops {
		g.Go(func() error {
			return supervise(ctx, l, opts, logger.With(zap.String("loop", l.Name)))
		})
	}

	err := g.Wait()
	logger.Info("service stopped")
	return err
}

func supervise(ctx context.Context, l Loop, opts Options, logger *zap.Logger) error {
	for {
		err := l.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			logger.Info("loop finished")
			return nil
		}
		if opts.Fatal(err) {
			logger.Error("loop failed fatally", zap.Error(err))
			return fmt.Errorf("%s: %w", l.Name, err)
		}
		logger.Error("loop failed, restarting", zap.Duration("in", opts.RestartDelay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.RestartDelay):
		}
	}
}
