// Package janitor deletes rooms that outlived the retention window. Sessions
// treat the resulting deletion like any other room close.
package janitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tactics-room-backend/internal/docstore"
)

type Janitor struct {
	sweeper   docstore.Sweeper
	retention time.Duration
	interval  time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func New(sweeper docstore.Sweeper, retention, interval time.Duration, log *zap.Logger) *Janitor {
	return &Janitor{
		sweeper:   sweeper,
		retention: retention,
		interval:  interval,
		log:       log.Named("janitor"),
		now:       time.Now,
	}
}

// Run sweeps once right away and then every interval until ctx ends. Sweep
// failures are logged and retried on the next tick.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if _, err := j.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			j.log.Warn("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (j *Janitor) SweepOnce(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.sweeper.SweepOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.log.Info("expired rooms deleted", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
