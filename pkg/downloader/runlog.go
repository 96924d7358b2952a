package downloader

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/ionolab/ismrfetch/pkg/daterange"
)

const artifactTimeLayout = "20060102_150405"

// noDataRecord is one line of the tabular no-data artifact.
type noDataRecord struct {
	Dataset string `csv:"dataset"`
	Station string `csv:"station"`
	Start   string `csv:"start"`
	End     string `csv:"end"`
	Message string `csv:"message"`
}

// runArtifacts owns the per-run files: the run log, the downloaded/skipped
// files list and the no-data CSV. Writers are shared across workers and
// guarded per artifact; every entry is flushed on write so the artifacts are
// crash-safe at line granularity.
type runArtifacts struct {
	runLogPath    string
	filesLogPath  string
	noDataLogPath string

	runLog *os.File

	filesMu  sync.Mutex
	filesLog *os.File

	noDataMu  sync.Mutex
	noDataLog *os.File
	noDataCSV *csv.Writer
	noDataEnc *csvutil.Encoder
}

// newRunArtifacts creates the per-run artifact files under logsDir, named
// with a shared timestamp so one run's outputs sort together.
func newRunArtifacts(logsDir string, now time.Time) (*runArtifacts, error) {
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}

	ts := now.Format(artifactTimeLayout)
	a := &runArtifacts{
		runLogPath:    filepath.Join(logsDir, fmt.Sprintf("run_%s.log", ts)),
		filesLogPath:  filepath.Join(logsDir, fmt.Sprintf("downloaded_files_%s.txt", ts)),
		noDataLogPath: filepath.Join(logsDir, fmt.Sprintf("nodata_%s.csv", ts)),
	}

	var err error
	if a.runLog, err = os.OpenFile(a.runLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	if a.filesLog, err = os.OpenFile(a.filesLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err != nil {
		a.runLog.Close()
		return nil, fmt.Errorf("open files log: %w", err)
	}
	if a.noDataLog, err = os.OpenFile(a.noDataLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err != nil {
		a.runLog.Close()
		a.filesLog.Close()
		return nil, fmt.Errorf("open no-data log: %w", err)
	}

	a.noDataCSV = csv.NewWriter(a.noDataLog)
	a.noDataEnc = csvutil.NewEncoder(a.noDataCSV)

	return a, nil
}

// recordFile appends one "STATUS path" line to the files list.
func (a *runArtifacts) recordFile(status Status, path string) error {
	a.filesMu.Lock()
	defer a.filesMu.Unlock()

	_, err := fmt.Fprintf(a.filesLog, "%s %s\n", strings.ToUpper(string(status)), path)
	return err
}

// recordNoData appends one row to the no-data CSV.
func (a *runArtifacts) recordNoData(dataset, station string, chunk daterange.Chunk, message string) error {
	a.noDataMu.Lock()
	defer a.noDataMu.Unlock()

	rec := noDataRecord{
		Dataset: dataset,
		Station: station,
		Start:   chunk.Start.Format("2006-01-02T15:04:05"),
		End:     chunk.End.Format("2006-01-02T15:04:05"),
		Message: message,
	}
	if err := a.noDataEnc.Encode(rec); err != nil {
		return err
	}
	a.noDataCSV.Flush()
	return a.noDataCSV.Error()
}

// Close flushes and closes all artifact files.
func (a *runArtifacts) Close() {
	a.noDataMu.Lock()
	a.noDataCSV.Flush()
	a.noDataLog.Close()
	a.noDataMu.Unlock()

	a.filesMu.Lock()
	a.filesLog.Close()
	a.filesMu.Unlock()

	a.runLog.Close()
}
