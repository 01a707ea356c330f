package preview

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Cleaner prunes old extractions from a Cache on a cron schedule.
type Cleaner struct {
	log      logrus.FieldLogger
	cache    *Cache
	schedule string
	maxAge   time.Duration
	cron     *cron.Cron
}

// NewCleaner creates a Cleaner. schedule accepts standard cron specs and
// descriptors such as "@every 1h".
func NewCleaner(
	log logrus.FieldLogger,
	cache *Cache,
	schedule string,
	maxAge time.Duration,
) *Cleaner {
	return &Cleaner{
		log:      log.WithField("component", "preview-cleaner"),
		cache:    cache,
		schedule: schedule,
		maxAge:   maxAge,
	}
}

// Start schedules the cleanup job. The job stops when ctx is done or Stop
// is called.
func (c *Cleaner) Start(ctx context.Context) error {
	c.cron = cron.New()

	if _, err := c.cron.AddFunc(c.schedule, func() {
		_, _ = c.RunOnce()
	}); err != nil {
		return fmt.Errorf("scheduling preview cleanup %q: %w", c.schedule, err)
	}

	c.cron.Start()

	go func() {
		<-ctx.Done()
		c.cron.Stop()
	}()

	c.log.WithFields(logrus.Fields{
		"schedule": c.schedule,
		"max_age":  c.maxAge.String(),
	}).Info("Preview cleanup scheduled")

	return nil
}

// Stop halts scheduling and waits for a running job to finish.
func (c *Cleaner) Stop() {
	if c.cron == nil {
		return
	}

	<-c.cron.Stop().Done()
}

// RunOnce prunes extractions older than the configured max age.
func (c *Cleaner) RunOnce() (int, error) {
	removed, err := c.cache.Prune(c.maxAge)
	if err != nil {
		c.log.WithError(err).Warn("Preview cleanup failed")

		return removed, err
	}

	if removed > 0 {
		c.log.WithField("removed", removed).Info("Pruned old previews")
	}

	return removed, nil
}
