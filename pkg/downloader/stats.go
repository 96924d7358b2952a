package downloader

import (
	"time"

	"github.com/ionolab/ismrfetch/pkg/daterange"
)

// Target is one (station, chunk) unit of work. Targets are created by the
// planner, dispatched to exactly one worker and never mutated afterwards.
type Target struct {
	// ID uniquely identifies the target within a run
	ID string
	// Station is the receiver station code, e.g. "PRU2"
	Station string
	// Chunk is the bounded date sub-interval to request
	Chunk daterange.Chunk
}

// Status classifies the outcome of one download target.
type Status string

const (
	// StatusDownloaded indicates at least one file body was fetched
	StatusDownloaded Status = "downloaded"
	// StatusSkipped indicates every advertised file already existed locally
	StatusSkipped Status = "skipped"
	// StatusNoData indicates the interval holds no data for the station
	StatusNoData Status = "nodata"
	// StatusFailed indicates the target failed after exhausting retries
	StatusFailed Status = "failed"
)

// Outcome is the terminal result of one Target. Exactly one Outcome is
// produced per Target.
type Outcome struct {
	Target Target
	Status Status
	// Paths lists the local files belonging to the target (downloaded or
	// pre-existing). Empty for NoData and Failed outcomes.
	Paths []string
	// Reason carries the server-provided or default no-data message
	Reason string
	// Err is set for Failed outcomes
	Err error
}

// RunStats accumulates the results of one orchestrator run. It is owned
// exclusively by the orchestrator while the run is in flight and safe to
// read once Run returns.
type RunStats struct {
	// RunID uniquely identifies the run and its artifacts
	RunID string
	// Downloaded counts targets that fetched at least one new file
	Downloaded int
	// Skipped counts targets whose files all existed already
	Skipped int
	// NoData counts targets the API reported empty
	NoData int
	// Failed counts targets that exhausted their retry budget
	Failed int
	// TotalBytes sums the on-disk sizes of all downloaded and skipped files
	TotalBytes int64
	// StartTime is when the run began
	StartTime time.Time
	// Duration is the wall-clock length of the run
	Duration time.Duration
	// ThrottleAborted is set when the run stopped on the throttle breaker
	ThrottleAborted bool
	// RunLogPath, FilesLogPath and NoDataLogPath locate the run artifacts
	RunLogPath    string
	FilesLogPath  string
	NoDataLogPath string
}

// TotalFiles is the count of successful targets: downloaded plus skipped.
// NoData and Failed targets are excluded.
func (s *RunStats) TotalFiles() int {
	return s.Downloaded + s.Skipped
}

// TotalTargets is the number of targets that produced an outcome.
func (s *RunStats) TotalTargets() int {
	return s.Downloaded + s.Skipped + s.NoData + s.Failed
}
