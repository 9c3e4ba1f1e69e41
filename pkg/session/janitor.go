package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openmeet/federation/pkg/observability"
)

// Janitor periodically purges correlation records older than the
// maximum session lifetime. Sessions themselves expire through the
// application's session machinery; the janitor only keeps the
// correlation table from accumulating rows for sessions that no longer
// exist.
type Janitor struct {
	store    *PostgresCorrelationStore
	lifetime time.Duration
	schedule string
	logger   *observability.Logger
	cron     *cron.Cron
}

// NewJanitor creates a janitor purging records older than lifetime on
// the given cron schedule (e.g. "@hourly").
func NewJanitor(store *PostgresCorrelationStore, lifetime time.Duration, schedule string, logger *observability.Logger) *Janitor {
	return &Janitor{
		store:    store,
		lifetime: lifetime,
		schedule: schedule,
		logger:   logger,
	}
}

// Start schedules the purge job. It returns an error if the schedule
// expression is invalid.
func (j *Janitor) Start() error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cutoff := time.Now().Add(-j.lifetime)
		purged, err := j.store.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			j.logger.WithError(err).Warn("session correlation purge failed")
			return
		}
		if purged > 0 {
			j.logger.WithField("purged", purged).Info("purged expired session correlations")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()
	return nil
}

// Stop stops the scheduled job and waits for a running purge to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}
