package service

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errFatal = errors.New("ledger gone")

func opts() Options {
	return Options{
		Fatal:        func(err error) bool { return errors.Is(err, errFatal) },
		RestartDelay: time.Millisecond,
	}
}

func TestFatalLoopStopsEverything(t *testing.T) {
	var stopped atomic.Bool
	loops := []Loop{
		{Name: "watcher", Run: func(ctx context.Context) error {
			return errFatal
		}},
		{Name: "reconciler", Run: func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Store(true)
			return nil
		}},
	}

	err := Run(context.Background(), nil, loops, opts(), zap.NewNop())
	require.ErrorIs(t, err, errFatal)
	assert.Contains(t, err.Error(), "watcher")
	assert.True(t, stopped.Load())
}

func TestTransientLoopErrorRestarts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	loops := []Loop{{Name: "notifier", Run: func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("database locked")
		}
		cancel()
		return nil
	}}}

	require.NoError(t, Run(ctx, nil, loops, opts(), zap.NewNop()))
	assert.Equal(t, int32(3), runs.Load())
}

func TestShutdownStopsServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	done := make(chan error, 1)
	go func() { done <- Run(ctx, srv, nil, opts(), zap.NewNop()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}
