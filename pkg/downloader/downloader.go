// Package downloader turns (stations × date range) into a bounded set of
// concurrent, paced, retried fetch targets coordinated with a shared
// lazily-renewed bearer token. It owns the worker pool, the per-run
// artifacts and the run-wide throttle circuit breaker.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ionolab/ismrfetch/pkg/api"
	"github.com/ionolab/ismrfetch/pkg/auth"
	"github.com/ionolab/ismrfetch/pkg/daterange"
	"github.com/ionolab/ismrfetch/pkg/throttle"
)

// ErrTooManyRequests is returned by Run when the throttle circuit breaker
// trips: the configured number of consecutive 429 responses was observed
// and the run aborted. It is distinct from a run that merely completed with
// some failed targets.
var ErrTooManyRequests = errors.New("downloader: run aborted after repeated rate-limit responses")

// Downloader orchestrates batch downloads against the ISMR API.
type Downloader struct {
	config *Config
	auth   *auth.Authenticator
	client *api.Client
	logger *logrus.Logger
}

// New creates a Downloader from a validated config and its collaborators.
func New(config *Config, authenticator *auth.Authenticator, client *api.Client) (*Downloader, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if authenticator == nil {
		return nil, fmt.Errorf("downloader: authenticator is required")
	}
	if client == nil {
		return nil, fmt.Errorf("downloader: api client is required")
	}

	return &Downloader{
		config: config,
		auth:   authenticator,
		client: client,
		logger: config.Logger,
	}, nil
}

// Run downloads all (station, chunk) targets for the given stations and
// range. It always returns RunStats describing what happened; the error is
// non-nil only for invalid input, artifact setup failures, or a throttle
// abort (ErrTooManyRequests). Per-target failures are counted in the stats
// and never stop the run.
func (d *Downloader) Run(ctx context.Context, stations []string, r daterange.Range) (*RunStats, error) {
	if len(stations) == 0 {
		return nil, fmt.Errorf("downloader: at least one station is required")
	}

	chunks, err := daterange.Plan(r, d.config.MaxChunkDays)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(d.config.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	start := time.Now()
	artifacts, err := newRunArtifacts(d.config.LogsDir, start)
	if err != nil {
		return nil, err
	}
	defer artifacts.Close()

	stats := &RunStats{
		RunID:         uuid.NewString(),
		StartTime:     start,
		RunLogPath:    artifacts.runLogPath,
		FilesLogPath:  artifacts.filesLogPath,
		NoDataLogPath: artifacts.noDataLogPath,
	}

	// Per-run logger: everything the run logs is mirrored into the run log
	// artifact, the way the base logger is configured.
	runLogger := logrus.New()
	runLogger.SetOutput(io.MultiWriter(d.logger.Out, artifacts.runLog))
	runLogger.SetFormatter(d.logger.Formatter)
	runLogger.SetLevel(d.logger.GetLevel())
	runLogger.ReplaceHooks(d.logger.Hooks)

	log := runLogger.WithField("run_id", stats.RunID)

	// Stations outer, chunks inner; completion order is unordered.
	targets := make([]Target, 0, len(stations)*len(chunks))
	for _, station := range stations {
		for _, chunk := range chunks {
			targets = append(targets, Target{
				ID:      uuid.NewString(),
				Station: station,
				Chunk:   chunk,
			})
		}
	}

	log.WithFields(logrus.Fields{
		"stations": len(stations),
		"chunks":   len(chunks),
		"targets":  len(targets),
		"workers":  d.config.MaxWorkers,
	}).Info("Starting download run")

	// The breaker cancels this context when the throttle tolerance is
	// reached; the feeder and all workers observe it cooperatively.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	breaker := newThrottleBreaker(d.config.ThrottleTolerance, cancel)

	targetCh := make(chan Target)
	resultCh := make(chan Outcome)

	var wg sync.WaitGroup
	for i := 0; i < d.config.MaxWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			// Each worker paces its own requests; see throttle.Pacer for
			// the aggregate-rate caveat.
			pacer, err := throttle.New(d.config.RequestsPerMinute)
			if err != nil {
				log.WithError(err).WithField("worker_id", workerID).Error("Worker failed to start")
				return
			}

			for target := range targetCh {
				task := &fetchTask{
					target:    target,
					auth:      d.auth,
					client:    d.client,
					pacer:     pacer,
					breaker:   breaker,
					artifacts: artifacts,
					config:    d.config,
					logger: log.WithFields(logrus.Fields{
						"worker_id": workerID,
						"target_id": target.ID,
						"station":   target.Station,
					}),
				}
				resultCh <- task.execute(runCtx)
			}
		}(i)
	}

	// Feed targets until done or the breaker trips.
	go func() {
		defer close(targetCh)
		for _, target := range targets {
			select {
			case targetCh <- target:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var outcomePaths []string
	for outcome := range resultCh {
		switch outcome.Status {
		case StatusDownloaded:
			stats.Downloaded++
			outcomePaths = append(outcomePaths, outcome.Paths...)
		case StatusSkipped:
			stats.Skipped++
			outcomePaths = append(outcomePaths, outcome.Paths...)
		case StatusNoData:
			stats.NoData++
		case StatusFailed:
			stats.Failed++
			if !errors.Is(outcome.Err, ErrTooManyRequests) {
				log.WithError(outcome.Err).WithFields(logrus.Fields{
					"station": outcome.Target.Station,
					"start":   outcome.Target.Chunk.Start.Format("2006-01-02"),
					"end":     outcome.Target.Chunk.End.Format("2006-01-02"),
				}).Error("Target failed")
			}
		}
	}

	for _, path := range outcomePaths {
		if info, err := os.Stat(path); err == nil {
			stats.TotalBytes += info.Size()
		}
	}

	stats.Duration = time.Since(start)
	stats.ThrottleAborted = breaker.isTripped()
	d.summarize(log, stats)

	if stats.ThrottleAborted {
		return stats, ErrTooManyRequests
	}
	return stats, nil
}

// summarize logs the end-of-run report into the run log.
func (d *Downloader) summarize(log *logrus.Entry, stats *RunStats) {
	log.Info("========== SUMMARY ==========")
	log.WithFields(logrus.Fields{
		"files":       stats.TotalFiles(),
		"downloaded":  stats.Downloaded,
		"skipped":     stats.Skipped,
		"no_data":     stats.NoData,
		"failed":      stats.Failed,
		"total_mb":    fmt.Sprintf("%.2f", float64(stats.TotalBytes)/(1024*1024)),
		"duration":    stats.Duration.Round(time.Millisecond).String(),
		"run_log":     stats.RunLogPath,
		"files_list":  stats.FilesLogPath,
		"nodata_list": stats.NoDataLogPath,
	}).Info("Run finished")

	if stats.ThrottleAborted {
		log.Error("Run aborted by throttle circuit breaker")
	}
	log.Info("=============================")
}
