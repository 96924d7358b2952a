package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ionolab/ismrfetch/pkg/api"
	"github.com/ionolab/ismrfetch/pkg/auth"
	"github.com/ionolab/ismrfetch/pkg/throttle"
)

const (
	timeParamLayout = "2006-01-02T15:04:05"
	// defaultNoDataMessage is recorded when a 404 carries no message body
	defaultNoDataMessage = "no data available for requested interval"
	// noPayloadMessage is recorded when a 2xx response carries neither a
	// bundle nor a temp_urls list
	noPayloadMessage = "no payload returned"
)

// fetchTask downloads one Target: the metadata request, its retries, and all
// file-body sub-downloads. All failures are captured into the returned
// Outcome; the only run-fatal signal is the throttle breaker, reported as a
// Failed outcome wrapping ErrTooManyRequests.
type fetchTask struct {
	target    Target
	auth      *auth.Authenticator
	client    *api.Client
	pacer     *throttle.Pacer
	breaker   *throttleBreaker
	artifacts *runArtifacts
	config    *Config
	logger    *logrus.Entry
}

// execute runs the per-attempt state machine, up to config.MaxAttempts.
// A 401 response consumes no retry slot: the token is force-refreshed and
// the same attempt repeats once.
func (t *fetchTask) execute(ctx context.Context) Outcome {
	attempt := 1
	refreshed := false

	for {
		if err := ctx.Err(); err != nil {
			return t.failure(fmt.Errorf("run cancelled before attempt %d: %w", attempt, err))
		}

		if err := t.ensureToken(ctx); err != nil {
			return t.failure(err)
		}
		if err := t.pacer.Wait(ctx); err != nil {
			return t.failure(err)
		}

		resp, err := t.client.GetMetadata(ctx, t.metadataParams(), t.authHeader())
		if err != nil {
			t.logger.WithError(err).WithField("attempt", attempt).Warn("Metadata request failed")
			if attempt >= t.config.MaxAttempts {
				return t.failure(fmt.Errorf("metadata request after %d attempts: %w", attempt, err))
			}
			attempt++
			refreshed = false
			if err := t.sleep(ctx, t.config.RetryBackoff); err != nil {
				return t.failure(err)
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			t.breaker.reset()
			msg := t.readMessage(resp)
			t.logger.WithField("message", msg).Info("No data for interval")
			return t.noData(msg)

		case resp.StatusCode == http.StatusUnauthorized:
			t.breaker.reset()
			resp.Body.Close()
			if refreshed {
				// Second 401 in the same attempt: the fresh token was
				// rejected too, treat it like any other request error.
				t.logger.WithField("attempt", attempt).Warn("Request unauthorized after token refresh")
				if attempt >= t.config.MaxAttempts {
					return t.failure(&api.APIError{StatusCode: resp.StatusCode, Message: "unauthorized after token refresh"})
				}
				attempt++
				refreshed = false
				if err := t.sleep(ctx, t.config.RetryBackoff); err != nil {
					return t.failure(err)
				}
				continue
			}
			t.logger.Warn("Token invalid, renewing and retrying")
			if err := t.auth.Refresh(ctx, true); err != nil {
				return t.failure(err)
			}
			refreshed = true
			continue

		case resp.StatusCode == api.StatusRateLimit:
			resp.Body.Close()
			if t.breaker.record() {
				t.logger.Error("Throttle tolerance reached, aborting run")
				// One more forced refresh so the next run starts with a
				// clean token.
				refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_ = t.auth.Refresh(refreshCtx, true)
				cancel()
				return t.failure(ErrTooManyRequests)
			}
			t.logger.WithField("attempt", attempt).Warn("Rate limited, backing off")
			if err := t.auth.Refresh(ctx, true); err != nil {
				return t.failure(err)
			}
			if attempt >= t.config.MaxAttempts {
				return t.failure(&api.RateLimitError{})
			}
			attempt++
			refreshed = false
			if err := t.sleep(ctx, t.config.ThrottleBackoff); err != nil {
				return t.failure(err)
			}
			continue

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			t.breaker.reset()
			msg := t.readMessage(resp)
			apiErr := &api.APIError{StatusCode: resp.StatusCode, Message: msg}
			t.logger.WithError(apiErr).WithField("attempt", attempt).Warn("Unexpected response status")
			if attempt >= t.config.MaxAttempts {
				return t.failure(apiErr)
			}
			attempt++
			refreshed = false
			if err := t.sleep(ctx, t.config.RetryBackoff); err != nil {
				return t.failure(err)
			}
			continue
		}

		// 2xx
		t.breaker.reset()

		var meta api.Metadata
		err = json.NewDecoder(resp.Body).Decode(&meta)
		resp.Body.Close()
		if err != nil {
			t.logger.WithError(err).WithField("attempt", attempt).Warn("Failed to decode metadata response")
			if attempt >= t.config.MaxAttempts {
				return t.failure(fmt.Errorf("decode metadata: %w", err))
			}
			attempt++
			refreshed = false
			if err := t.sleep(ctx, t.config.RetryBackoff); err != nil {
				return t.failure(err)
			}
			continue
		}

		files := meta.Files()
		if len(files) == 0 {
			t.logger.Info("Metadata response carried no files")
			return t.noData(noPayloadMessage)
		}

		return t.fetchFiles(ctx, files)
	}
}

// fetchFiles streams every advertised file body to the output directory.
// Files whose target name already exists are skipped unless Overwrite is
// set; skipped files still count as success. A failure on one file (for
// example a 401 on its temporary URL) is hard for that file only.
func (t *fetchTask) fetchFiles(ctx context.Context, files []api.FileRef) Outcome {
	var (
		paths      []string
		downloaded int
		skipped    int
		firstErr   error
	)

	for _, ref := range files {
		path := filepath.Join(t.config.OutputDir, filepath.Base(ref.Filename))

		if !t.config.Overwrite {
			if _, err := os.Stat(path); err == nil {
				t.logger.WithField("path", path).Info("File already exists, skipping")
				if err := t.artifacts.recordFile(StatusSkipped, path); err != nil {
					t.logger.WithError(err).Warn("Failed to append to files log")
				}
				skipped++
				paths = append(paths, path)
				continue
			}
		}

		if err := t.downloadFile(ctx, ref, path); err != nil {
			t.logger.WithError(err).WithField("filename", ref.Filename).Error("File download failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := t.artifacts.recordFile(StatusDownloaded, path); err != nil {
			t.logger.WithError(err).Warn("Failed to append to files log")
		}
		downloaded++
		paths = append(paths, path)
	}

	switch {
	case downloaded == 0 && skipped == 0:
		if firstErr == nil {
			firstErr = fmt.Errorf("no files could be downloaded")
		}
		return t.failure(firstErr)
	case downloaded > 0:
		return Outcome{Target: t.target, Status: StatusDownloaded, Paths: paths}
	default:
		return Outcome{Target: t.target, Status: StatusSkipped, Paths: paths}
	}
}

// downloadFile streams one file body to disk. Each body fetch pays the pacer
// interval and re-checks the token; a 401 here is not retried.
func (t *fetchTask) downloadFile(ctx context.Context, ref api.FileRef, path string) error {
	if err := t.ensureToken(ctx); err != nil {
		return err
	}
	if err := t.pacer.Wait(ctx); err != nil {
		return err
	}

	t.logger.WithFields(logrus.Fields{
		"filename": ref.Filename,
		"start":    t.target.Chunk.Start.Format("2006-01-02"),
		"end":      t.target.Chunk.End.Format("2006-01-02"),
	}).Info("Downloading file")

	resp, err := t.client.Stream(ctx, ref.URL, t.authHeader())
	if err != nil {
		return fmt.Errorf("fetch %s: %w", ref.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &api.APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("unauthorized fetching %s", ref.Filename)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &api.APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("fetching %s", ref.Filename)}
	}

	// ContentLength is -1 when the server streams without announcing a size.
	t.logger.WithFields(logrus.Fields{
		"filename":       ref.Filename,
		"content_length": resp.ContentLength,
	}).Debug("Streaming file body")

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// Drop the partial file so a later run does not mistake it for a
		// completed download.
		os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}

	t.logger.WithFields(logrus.Fields{
		"path":  path,
		"bytes": n,
	}).Info("Download completed")
	return nil
}

func (t *fetchTask) ensureToken(ctx context.Context) error {
	if t.auth.IsValid() {
		return nil
	}
	return t.auth.Refresh(ctx, false)
}

func (t *fetchTask) authHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + t.auth.Token()}
}

func (t *fetchTask) metadataParams() url.Values {
	params := url.Values{}
	params.Set("station", t.target.Station)
	params.Set("start", t.target.Chunk.Start.Format(timeParamLayout))
	params.Set("end", t.target.Chunk.End.Format(timeParamLayout))
	return params
}

// readMessage extracts the message field from an error response body,
// falling back to the default no-data text.
func (t *fetchTask) readMessage(resp *http.Response) string {
	defer resp.Body.Close()

	var meta api.Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&meta); err == nil && meta.Message != "" {
		return meta.Message
	}
	return defaultNoDataMessage
}

func (t *fetchTask) noData(message string) Outcome {
	if err := t.artifacts.recordNoData(t.config.Dataset, t.target.Station, t.target.Chunk, message); err != nil {
		t.logger.WithError(err).Warn("Failed to append to no-data log")
	}
	return Outcome{Target: t.target, Status: StatusNoData, Reason: message}
}

func (t *fetchTask) failure(err error) Outcome {
	return Outcome{Target: t.target, Status: StatusFailed, Err: err}
}

// sleep pauses between attempts, waking early on cancellation.
func (t *fetchTask) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
