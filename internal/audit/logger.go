package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger buffers audit events and writes them asynchronously, never
// blocking the caller that emits them. It also counts denials per
// (app,user) in one-minute windows to detect anomalous denial bursts;
// denials are not counted per session.
type Logger struct {
	config Config
	logger *slog.Logger

	buffer chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	minuteCount map[string]*slidingCount
}

type slidingCount struct {
	windowStart time.Time
	count       int
}

// NewLogger constructs an audit logger. A disabled logger still
// satisfies the interface but drops everything.
func NewLogger(config Config, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	l := &Logger{
		config:      config,
		logger:      logger,
		buffer:      make(chan Event, config.BufferSize),
		done:        make(chan struct{}),
		minuteCount: make(map[string]*slidingCount),
	}
	if config.Enabled {
		l.wg.Add(1)
		go l.drain()
	}
	return l
}

// Close stops the background writer, flushing buffered events.
func (l *Logger) Close() error {
	if l == nil || !l.config.Enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	return nil
}

func (l *Logger) drain() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.buffer:
			l.write(ev)
		case <-l.done:
			for {
				select {
				case ev := <-l.buffer:
					l.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(ev Event) {
	l.logger.Info("audit",
		"audit_type", ev.Type,
		"app_id", ev.AppID,
		"user_id", ev.UserID,
		"capability", ev.Capability,
		"result", ev.Result,
		"detail", ev.Detail,
	)
}

// Log records one audit event, non-blocking; the oldest buffered event
// is dropped on overflow (mirrors the usage buffer's drop-oldest rule).
func (l *Logger) Log(ctx context.Context, ev Event) {
	if l == nil || !l.config.Enabled {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case l.buffer <- ev:
	default:
		select {
		case <-l.buffer:
		default:
		}
		select {
		case l.buffer <- ev:
		default:
		}
	}
}

// RecordCheck logs a capability/limit check and evaluates the denial
// anomaly threshold, emitting a synthetic anomaly_detected event when
// the caller crosses it.
func (l *Logger) RecordCheck(ctx context.Context, appID, userID, capability string, result Result, detail string) {
	l.Log(ctx, Event{
		Type:       EventCapabilityCheck,
		AppID:      appID,
		UserID:     userID,
		Capability: capability,
		Result:     result,
		Detail:     detail,
	})
	if result != ResultDenied && result != ResultExceeded {
		return
	}
	l.trackDenial(ctx, appID, userID)
}

func (l *Logger) trackDenial(ctx context.Context, appID, userID string) {
	if l == nil || !l.config.Enabled {
		return
	}
	key := appID + ":" + userID
	threshold := l.config.DenialWindowPerMinute
	if threshold <= 0 {
		threshold = 10
	}
	now := time.Now()

	l.mu.Lock()
	sc, ok := l.minuteCount[key]
	if !ok || now.Sub(sc.windowStart) > time.Minute {
		sc = &slidingCount{windowStart: now, count: 0}
		l.minuteCount[key] = sc
	}
	sc.count++
	exceeded := sc.count > threshold
	l.mu.Unlock()

	if exceeded {
		l.Log(ctx, Event{
			Type:   EventAnomalyDetected,
			AppID:  appID,
			UserID: userID,
			Detail: "denial rate exceeded per-minute threshold",
		})
	}
}

// RecordTenantIsolation logs a cross-tenant access attempt.
func (l *Logger) RecordTenantIsolation(ctx context.Context, appID, callerAppID, resource string) {
	l.Log(ctx, Event{
		Type:   EventTenantIsolation,
		AppID:  appID,
		Detail: "caller_app_id=" + callerAppID + " resource=" + resource,
	})
}
