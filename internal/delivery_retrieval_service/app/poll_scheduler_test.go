package app

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPoller struct {
	runs atomic.Int32
}

func (p *countingPoller) PollPending(context.Context) (PollSummary, error) {
	p.runs.Add(1)
	return PollSummary{}, nil
}

func TestNewPollScheduler_InvalidSpec(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewPollScheduler(&countingPoller{}, "every minute please", time.Second, logger)
	assert.Error(t, err)
}

func TestPollScheduler_Run(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	poller := &countingPoller{}
	s, err := NewPollScheduler(poller, "@every 1s", time.Second, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return poller.runs.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestPollScheduler_SkipsCancelledRuns(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	poller := &countingPoller{}
	s, err := NewPollScheduler(poller, "@every 1m", time.Second, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.runOnce(ctx)
	assert.Zero(t, poller.runs.Load())
}
