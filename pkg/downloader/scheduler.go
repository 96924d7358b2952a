package downloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ionolab/ismrfetch/pkg/daterange"
)

const (
	// MinRunInterval is the minimum spacing between scheduled runs, to keep
	// repeated batches from hammering the API
	MinRunInterval = 1 * time.Minute
	// MaxRunInterval is the maximum supported spacing between runs
	MaxRunInterval = 7 * 24 * time.Hour
)

// RunEvery executes the batch immediately and then again at every interval
// until ctx is cancelled. Per-target failures do not stop the schedule; a
// throttle abort does, returning ErrTooManyRequests. On cancellation the
// context error is returned after the in-flight run finishes.
func (d *Downloader) RunEvery(ctx context.Context, interval time.Duration, stations []string, r daterange.Range) error {
	if interval < MinRunInterval || interval > MaxRunInterval {
		return fmt.Errorf("downloader: run interval must be between %v and %v, got %v",
			MinRunInterval, MaxRunInterval, interval)
	}

	d.logger.WithField("interval", interval.String()).Info("Starting scheduled runs")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats, err := d.Run(ctx, stations, r)
		if err != nil {
			if errors.Is(err, ErrTooManyRequests) {
				d.logger.Error("Stopping schedule after throttle abort")
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Validation errors will not fix themselves between runs.
			return err
		}

		d.logger.WithFields(logrus.Fields{
			"files":  stats.TotalFiles(),
			"failed": stats.Failed,
		}).Info("Scheduled run finished, waiting for next tick")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
