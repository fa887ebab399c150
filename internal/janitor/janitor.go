// Package janitor runs the gateway's periodic maintenance on a gocron
// scheduler: flushing last_seen timestamps for connected agents and purging
// expired rate-limiter windows. Both tasks run in singleton mode so a slow
// database never stacks overlapping runs.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/modelgate-io/modelgate/internal/registry"
	"github.com/modelgate-io/modelgate/internal/repositories"
)

const (
	lastSeenInterval  = time.Minute
	rateLimitInterval = 5 * time.Minute
)

// windowCleaner is the rate limiter surface the janitor needs.
// Satisfied by *api.RateLimiter.
type windowCleaner interface {
	Cleanup()
}

// Janitor wraps gocron and owns the maintenance tasks.
// The zero value is not usable — create instances with New.
type Janitor struct {
	cron     gocron.Scheduler
	registry *registry.Registry
	agents   repositories.AgentRepository
	limiter  windowCleaner
	logger   *zap.Logger
}

// New creates and configures a Janitor. limiter may be nil when rate limiting
// is disabled. Call Start to begin processing.
func New(reg *registry.Registry, agents repositories.AgentRepository, limiter windowCleaner, logger *zap.Logger) (*Janitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("janitor: create scheduler: %w", err)
	}
	return &Janitor{
		cron:     s,
		registry: reg,
		agents:   agents,
		limiter:  limiter,
		logger:   logger.Named("janitor"),
	}, nil
}

// Start registers the maintenance jobs and starts the scheduler.
func (j *Janitor) Start() error {
	_, err := j.cron.NewJob(
		gocron.DurationJob(lastSeenInterval),
		gocron.NewTask(j.flushLastSeen),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("janitor: schedule last_seen flush: %w", err)
	}

	if j.limiter != nil {
		_, err = j.cron.NewJob(
			gocron.DurationJob(rateLimitInterval),
			gocron.NewTask(func() { j.limiter.Cleanup() }),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("janitor: schedule rate limit cleanup: %w", err)
		}
	}

	j.cron.Start()
	j.logger.Info("janitor started")
	return nil
}

// Stop shuts the scheduler down, waiting for running tasks to finish.
func (j *Janitor) Stop() error {
	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("janitor: shutdown: %w", err)
	}
	j.logger.Info("janitor stopped")
	return nil
}

// flushLastSeen bumps last_seen for every currently connected agent, so the
// persisted record stays fresh during long sessions.
func (j *Janitor) flushLastSeen() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	for _, id := range j.registry.ConnectedIDs() {
		if err := j.agents.TouchLastSeen(ctx, id, now); err != nil {
			j.logger.Warn("failed to flush last_seen",
				zap.String("agent_id", id),
				zap.Error(err),
			)
		}
	}
}
