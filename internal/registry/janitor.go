package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/freva-org/frevagpt/internal/storage"
)

// Janitor evicts idle conversations on a fixed schedule.
type Janitor struct {
	registry *Registry
	store    storage.ThreadStorage
	maxIdle  time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewJanitor wires an eviction pass over the registry every interval.
func NewJanitor(reg *Registry, store storage.ThreadStorage, maxIdle, interval time.Duration, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		registry: reg,
		store:    store,
		maxIdle:  maxIdle,
		logger:   logger.With("component", "janitor"),
		cron:     cron.New(),
	}

	schedule := fmt.Sprintf("@every %s", interval)
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, fmt.Errorf("schedule janitor: %w", err)
	}
	return j, nil
}

// Start begins the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("janitor started", "max_idle", j.maxIdle)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	j.registry.CleanupIdle(ctx, j.maxIdle, j.store)
}
