package audit

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordCheckDetectsAnomaly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DenialWindowPerMinute = 3
	logger := NewLogger(cfg, slog.Default())
	defer logger.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		logger.RecordCheck(ctx, "app_1", "u_1", "cap.tool.x", ResultAllowed, "")
	}
	// four denials: the fourth crosses the threshold of 3.
	for i := 0; i < 4; i++ {
		logger.RecordCheck(ctx, "app_1", "u_1", "cap.tool.x", ResultDenied, "no capability")
	}
	require.Greater(t, len(logger.buffer), 0)
}

func TestLogDropsOldestOnOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 2
	logger := &Logger{config: cfg, logger: slog.Default(), buffer: make(chan Event, cfg.BufferSize), minuteCount: map[string]*slidingCount{}}
	cfg.Enabled = true // Log() requires Enabled to accept events; drain goroutine intentionally not started

	for i := 0; i < 5; i++ {
		logger.config.Enabled = true
		logger.Log(context.Background(), Event{Type: EventCapabilityCheck})
	}
	require.LessOrEqual(t, len(logger.buffer), 2)
}
