package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner periodically removes artifacts past their expires_at from a
// Store, so the TTL on artifact.render output is actually enforced
// instead of merely honored on read.
type Pruner struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	sched    *cron.Cron
}

// NewPruner constructs a Pruner that sweeps store every interval.
func NewPruner(store Store, interval time.Duration, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{store: store, interval: interval, logger: logger}
}

// Start schedules the sweep on a cron job running every interval and
// returns immediately; the job keeps running until ctx is cancelled or
// Close is called.
func (p *Pruner) Start(ctx context.Context) {
	p.sched = cron.New()
	if _, err := p.sched.AddFunc(fmt.Sprintf("@every %s", p.interval), func() {
		n, err := p.store.PruneExpiredArtifacts(ctx, time.Now().UTC())
		if err != nil {
			p.logger.Error("sessions: prune expired artifacts", "error", err)
			return
		}
		if n > 0 {
			p.logger.Info("sessions: pruned expired artifacts", "count", n)
		}
	}); err != nil {
		p.logger.Error("sessions: schedule prune job", "error", err)
	}
	p.sched.Start()

	go func() {
		<-ctx.Done()
		p.Close()
	}()
}

// Close stops a running Start loop.
func (p *Pruner) Close() {
	if p.sched != nil {
		p.sched.Stop()
	}
}
