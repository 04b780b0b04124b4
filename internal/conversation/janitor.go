package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultSweepSchedule = "@every 5m"
	sweepTimeout         = 30 * time.Second
)

// Janitor periodically expires idle conversations on a cron schedule.
type Janitor struct {
	cron    *cron.Cron
	store   *Store
	ttl     time.Duration
	logger  *zap.Logger
	onSweep func(removed, remaining int)
}

// NewJanitor schedules sweeps of store. onSweep may be nil.
func NewJanitor(store *Store, schedule string, ttl time.Duration, logger *zap.Logger, onSweep func(removed, remaining int)) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if ttl <= 0 {
		ttl = store.TTL()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Janitor{
		cron:    cron.New(),
		store:   store,
		ttl:     ttl,
		logger:  logger,
		onSweep: onSweep,
	}
	if _, err := j.cron.AddFunc(schedule, j.Sweep); err != nil {
		return nil, fmt.Errorf("schedule conversation sweep %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one expiry pass.
func (j *Janitor) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	removed, err := j.store.ExpireOlderThan(ctx, j.ttl)
	if err != nil {
		j.logger.Warn("conversation sweep failed", zap.Int("removed", removed), zap.Error(err))
	}
	remaining, err := j.store.Count(ctx)
	if err != nil {
		j.logger.Warn("conversation count failed", zap.Error(err))
		return
	}
	if removed > 0 {
		j.logger.Info("expired idle conversations", zap.Int("removed", removed), zap.Int("remaining", remaining))
	}
	if j.onSweep != nil {
		j.onSweep(removed, remaining)
	}
}
