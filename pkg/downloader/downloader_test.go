package downloader_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"

	"github.com/ionolab/ismrfetch/pkg/api"
	"github.com/ionolab/ismrfetch/pkg/auth"
	"github.com/ionolab/ismrfetch/pkg/daterange"
	"github.com/ionolab/ismrfetch/pkg/downloader"
)

const fileBody = "ismr-file-contents"

// fakeAPI scripts the token, metadata and file endpoints. The metadata
// handler receives the 1-based hit number so tests can vary responses per
// request.
type fakeAPI struct {
	*httptest.Server

	mu           sync.Mutex
	loginHits    int
	metadataHits int
	fileHits     int

	metadata func(hit int, w http.ResponseWriter, r *http.Request)
}

func newFakeAPI() *fakeAPI {
	f := &fakeAPI{}

	mux := http.NewServeMux()
	mux.HandleFunc("/user/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.loginHits++
		n := f.loginHits
		f.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]string{
			"access_token": fmt.Sprintf("tok-%d", n),
			"expires_at":   time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/data/download/ismr", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.metadataHits++
		hit := f.metadataHits
		f.mu.Unlock()

		f.metadata(hit, w, r)
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.fileHits++
		f.mu.Unlock()

		w.Write([]byte(fileBody))
	})

	f.Server = httptest.NewServer(mux)
	return f
}

func (f *fakeAPI) counts() (login, metadata, files int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginHits, f.metadataHits, f.fileHits
}

func (f *fakeAPI) writeBundle(w http.ResponseWriter, filename string) {
	json.NewEncoder(w).Encode(api.Metadata{
		Bundle: &api.FileRef{
			URL:      f.URL + "/files/" + filename,
			Filename: filename,
		},
	})
}

func (f *fakeAPI) writeTempURLs(w http.ResponseWriter, filenames ...string) {
	refs := make([]api.FileRef, 0, len(filenames))
	for _, name := range filenames {
		refs = append(refs, api.FileRef{URL: f.URL + "/files/" + name, Filename: name})
	}
	json.NewEncoder(w).Encode(api.Metadata{TempURLs: refs})
}

var _ = Describe("Downloader", func() {
	var (
		server    *fakeAPI
		outputDir string
		logsDir   string
		config    *downloader.Config
		d         *downloader.Downloader
		oneDay    daterange.Range
	)

	newDownloaderWith := func(logger *logrus.Logger) *downloader.Downloader {
		authenticator, err := auth.NewAuthenticator(&auth.Config{
			LoginURL:       server.URL + "/user/token",
			Email:          "user@example.com",
			Password:       "secret",
			TokenFile:      filepath.Join(GinkgoT().TempDir(), "token.json"),
			RequestTimeout: 5 * time.Second,
			TokenTTL:       time.Hour,
			Logger:         logger,
		})
		Expect(err).NotTo(HaveOccurred())

		client, err := api.NewClient(&api.Config{
			BaseURL:          server.URL,
			DownloadEndpoint: "/data/download/ismr",
			RequestTimeout:   5 * time.Second,
			DownloadTimeout:  5 * time.Second,
			Logger:           logger,
		})
		Expect(err).NotTo(HaveOccurred())

		config.Logger = logger
		dl, err := downloader.New(config, authenticator, client)
		Expect(err).NotTo(HaveOccurred())
		return dl
	}

	newDownloader := func() *downloader.Downloader {
		logger := logrus.New()
		logger.SetLevel(logrus.ErrorLevel)
		logger.SetOutput(GinkgoWriter)
		return newDownloaderWith(logger)
	}

	BeforeEach(func() {
		server = newFakeAPI()
		outputDir = GinkgoT().TempDir()
		logsDir = GinkgoT().TempDir()

		config = &downloader.Config{
			OutputDir:         outputDir,
			LogsDir:           logsDir,
			Dataset:           "ismr",
			MaxWorkers:        1,
			MaxChunkDays:      62,
			MaxAttempts:       3,
			RequestsPerMinute: 60000, // effectively unpaced in tests
			ThrottleTolerance: 2,
			RetryBackoff:      5 * time.Millisecond,
			ThrottleBackoff:   5 * time.Millisecond,
		}

		var err error
		oneDay, err = daterange.ParseRange("2025-03-05", "2025-03-05")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("input validation", func() {
		It("rejects an empty station list", func() {
			server.metadata = func(int, http.ResponseWriter, *http.Request) {}
			d = newDownloader()

			_, err := d.Run(context.Background(), nil, oneDay)
			Expect(err).To(HaveOccurred())
		})

		It("rejects an inverted date range", func() {
			server.metadata = func(int, http.ResponseWriter, *http.Request) {}
			d = newDownloader()

			r := daterange.Range{
				Start: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			}
			_, err := d.Run(context.Background(), []string{"PRU2"}, r)
			Expect(err).To(HaveOccurred())
		})

		It("rejects a non-positive max chunk days", func() {
			server.metadata = func(int, http.ResponseWriter, *http.Request) {}
			config.MaxChunkDays = 0
			logger := logrus.New()
			config.Logger = logger
			_, err := downloader.New(config, nil, nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("successful downloads", func() {
		It("downloads a bundle end to end", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Query().Get("station")).To(Equal("PRU2"))
				Expect(r.URL.Query().Get("start")).NotTo(BeEmpty())
				Expect(r.Header.Get("Authorization")).To(HavePrefix("Bearer "))
				server.writeBundle(w, "PRU2_bundle.zip")
			}
			d = newDownloader()

			stats, err := d.Run(context.Background(), []string{"PRU2"}, oneDay)
			Expect(err).NotTo(HaveOccurred())

			Expect(stats.Downloaded).To(Equal(1))
			Expect(stats.TotalFiles()).To(Equal(1))
			Expect(stats.TotalBytes).To(Equal(int64(len(fileBody))))

			data, err := os.ReadFile(filepath.Join(outputDir, "PRU2_bundle.zip"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal(fileBody))

			filesLog, err := os.ReadFile(stats.FilesLogPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(filesLog)).To(ContainSubstring("DOWNLOADED"))
			Expect(string(filesLog)).To(ContainSubstring("PRU2_bundle.zip"))
		})

		It("downloads every file from a temp_urls list", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				server.writeTempURLs(w, "a.ismr", "b.ismr")
			}
			d = newDownloader()

			stats, err := d.Run(context.Background(), []string{"PRU2"}, oneDay)
			Expect(err).NotTo(HaveOccurred())

			Expect(stats.Downloaded).To(Equal(1))
			Expect(stats.TotalBytes).To(Equal(int64(2 * len(fileBody))))

			_, _, files := server.counts()
			Expect(files).To(Equal(2))
		})

		It("reports the advertised size while streaming a file body", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				server.writeBundle(w, "sized.zip")
			}

			logger := logrus.New()
			logger.SetLevel(logrus.DebugLevel)
			logger.SetOutput(GinkgoWriter)
			hook := logrustest.NewLocal(logger)
			d = newDownloaderWith(logger)

			_, err := d.Run(context.Background(), []string{"PRU2"}, oneDay)
			Expect(err).NotTo(HaveOccurred())

			var streamed bool
			for _, entry := range hook.AllEntries() {
				if entry.Message == "Streaming file body" {
					streamed = true
					Expect(entry.Data["content_length"]).To(Equal(int64(len(fileBody))))
				}
			}
			Expect(streamed).To(BeTrue(), "expected a streaming log entry with the body size")
		})

		It("counts one target per (station, chunk) pair", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				station := r.URL.Query().Get("station")
				server.writeBundle(w, station+".zip")
			}
			d = newDownloader()

			stats, err := d.Run(context.Background(), []string{"PRU2", "SJCU"}, oneDay)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Downloaded).To(Equal(2))
			Expect(stats.TotalTargets()).To(Equal(2))
		})
	})

	Describe("no-data classification", func() {
		It("records a 404 as NoData without fetching any body", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]string{"message": "No data found for interval"})
			}
			d = newDownloader()

			stats, err := d.Run(context.Background(), []string{"PRU2"}, oneDay)
			Expect(err).NotTo(HaveOccurred())

			Expect(stats.NoData).To(Equal(1))
			Expect(stats.TotalFiles()).To(BeZero())

			_, metadata, files := server.counts()
			Expect(metadata).To(Equal(1), "404 must not be retried")
			Expect(files).To(BeZero())

			noData, err := os.ReadFile(stats.NoDataLogPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(noData)).To(ContainSubstring("dataset,station,start,end,message"))
			Expect(string(noData)).To(ContainSubstring("No data found for interval"))
			Expect(string(noData)).To(ContainSubstring("PRU2"))
		})

		It("treats a payload with neither bundle nor list as NoData", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{}`))
			}
			d = newDownloader()

			stats, err := d.Run(context.Background(), []string{"PRU2"}, oneDay)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.NoData).To(Equal(1))

			noData, err := os.ReadFile(stats.NoDataLogPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(noData)).To(ContainSubstring("no payload returned"))
		})
	})

	Describe("token refresh on 401", func() {
		It("refreshes exactly once and succeeds within the same attempt", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				if hit == 1 {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				server.writeBundle(w, "after-refresh.zip")
			}
			d = newDownloader()

			stats, err := d.Run(context.Background(), []string{"PRU2"}, oneDay)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Downloaded).To(Equal(1))

			login, metadata, _ := server.counts()
			// One login for the initial token plus exactly one forced refresh.
			Expect(login).To(Equal(2))
			Expect(metadata).To(Equal(2))
		})
	})

	Describe("retry on transient errors", func() {
		It("retries server errors up to the attempt budget and then succeeds", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				if hit <= 2 {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				server.writeBundle(w, "third-time.zip")
			}
			d = newDownloader()

			stats, err := d.Run(context.Background(), []string{"PRU2"}, oneDay)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Downloaded).To(Equal(1))

			_, metadata, _ := server.counts()
			Expect(metadata).To(Equal(3))
		})

		It("records a Failed outcome after exhausting attempts without stopping the run", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				station := r.URL.Query().Get("station")
				if station == "BAD1" {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				server.writeBundle(w, station+".zip")
			}
			d = newDownloader()

			stats, err := d.Run(context.Background(), []string{"BAD1", "PRU2"}, oneDay)
			Expect(err).NotTo(HaveOccurred(), "per-target failures must not fail the run")

			Expect(stats.Failed).To(Equal(1))
			Expect(stats.Downloaded).To(Equal(1))
			Expect(stats.TotalFiles()).To(Equal(1))
		})
	})

	Describe("throttle circuit breaker", func() {
		It("aborts the run after two consecutive 429 responses", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			}
			d = newDownloader()

			// Plenty of targets; none beyond the breaker threshold may be
			// dispatched.
			stations := []string{"S1", "S2", "S3", "S4", "S5"}
			stats, err := d.Run(context.Background(), stations, oneDay)

			Expect(errors.Is(err, downloader.ErrTooManyRequests)).To(BeTrue())
			Expect(stats.ThrottleAborted).To(BeTrue())

			_, metadata, _ := server.counts()
			Expect(metadata).To(Equal(2), "no requests after the breaker trips")
		})

		It("aborts across workers without requests beyond the tolerance window", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			}
			config.MaxWorkers = 3
			d = newDownloader()

			stations := []string{"S1", "S2", "S3", "S4", "S5", "S6"}
			stats, err := d.Run(context.Background(), stations, oneDay)

			Expect(errors.Is(err, downloader.ErrTooManyRequests)).To(BeTrue())
			Expect(stats.ThrottleAborted).To(BeTrue())

			// The trip lands on the second recorded 429; beyond that only
			// requests already in flight on the other workers may arrive.
			_, metadata, _ := server.counts()
			Expect(metadata).To(BeNumerically(">=", config.ThrottleTolerance))
			Expect(metadata).To(BeNumerically("<=", config.ThrottleTolerance+config.MaxWorkers-1))
		})

		It("resets the streak on any non-429 response", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				if hit%2 == 1 {
					w.WriteHeader(http.StatusTooManyRequests)
					return
				}
				server.writeBundle(w, fmt.Sprintf("f%d.zip", hit))
			}
			d = newDownloader()

			stats, err := d.Run(context.Background(), []string{"S1", "S2", "S3"}, oneDay)
			Expect(err).NotTo(HaveOccurred(), "interleaved successes must keep the breaker closed")
			Expect(stats.Downloaded).To(Equal(3))
			Expect(stats.ThrottleAborted).To(BeFalse())
		})
	})

	Describe("scheduled runs", func() {
		It("rejects intervals outside the supported bounds", func() {
			server.metadata = func(int, http.ResponseWriter, *http.Request) {}
			d = newDownloader()

			err := d.RunEvery(context.Background(), time.Second, []string{"PRU2"}, oneDay)
			Expect(err).To(HaveOccurred())

			err = d.RunEvery(context.Background(), 8*24*time.Hour, []string{"PRU2"}, oneDay)
			Expect(err).To(HaveOccurred())

			_, metadata, _ := server.counts()
			Expect(metadata).To(BeZero(), "invalid intervals must not start a run")
		})

		It("stops the schedule when a run aborts on the throttle breaker", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			}
			d = newDownloader()

			err := d.RunEvery(context.Background(), downloader.MinRunInterval, []string{"S1", "S2", "S3"}, oneDay)
			Expect(errors.Is(err, downloader.ErrTooManyRequests)).To(BeTrue())

			_, metadata, _ := server.counts()
			Expect(metadata).To(Equal(2), "the schedule must not start another run after the abort")
		})

		It("returns the context error when cancelled between runs", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				server.writeBundle(w, "tick.zip")
			}
			d = newDownloader()

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			err := d.RunEvery(ctx, downloader.MinRunInterval, []string{"PRU2"}, oneDay)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		})
	})

	Describe("idempotent re-runs", func() {
		It("skips existing files without altering their bytes", func() {
			existing := filepath.Join(outputDir, "already-here.zip")
			Expect(os.WriteFile(existing, []byte("original-bytes"), 0644)).To(Succeed())

			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				server.writeBundle(w, "already-here.zip")
			}
			d = newDownloader()

			stats, err := d.Run(context.Background(), []string{"PRU2"}, oneDay)
			Expect(err).NotTo(HaveOccurred())

			Expect(stats.Skipped).To(Equal(1))
			Expect(stats.Downloaded).To(BeZero())
			Expect(stats.TotalFiles()).To(Equal(1), "skipped outcomes count as success")

			data, err := os.ReadFile(existing)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("original-bytes"))

			_, _, files := server.counts()
			Expect(files).To(BeZero(), "existing files must not be re-fetched")

			filesLog, err := os.ReadFile(stats.FilesLogPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(filesLog)).To(ContainSubstring("SKIPPED"))
		})

		It("re-downloads existing files when overwrite is set", func() {
			existing := filepath.Join(outputDir, "replace-me.zip")
			Expect(os.WriteFile(existing, []byte("old"), 0644)).To(Succeed())

			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				server.writeBundle(w, "replace-me.zip")
			}
			config.Overwrite = true
			d = newDownloader()

			stats, err := d.Run(context.Background(), []string{"PRU2"}, oneDay)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Downloaded).To(Equal(1))

			data, err := os.ReadFile(existing)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal(fileBody))
		})
	})

	Describe("run statistics", func() {
		It("excludes NoData and Failed outcomes from the file count", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				switch r.URL.Query().Get("station") {
				case "OK01":
					server.writeBundle(w, "ok.zip")
				case "EMPT":
					w.WriteHeader(http.StatusNotFound)
					json.NewEncoder(w).Encode(map[string]string{"message": "nothing here"})
				default:
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
			d = newDownloader()

			stats, err := d.Run(context.Background(), []string{"OK01", "EMPT", "BAD1"}, oneDay)
			Expect(err).NotTo(HaveOccurred())

			Expect(stats.Downloaded).To(Equal(1))
			Expect(stats.NoData).To(Equal(1))
			Expect(stats.Failed).To(Equal(1))
			Expect(stats.TotalFiles()).To(Equal(1))
			Expect(stats.TotalTargets()).To(Equal(3))
		})

		It("names the run artifacts in the stats", func() {
			server.metadata = func(hit int, w http.ResponseWriter, r *http.Request) {
				server.writeBundle(w, "x.zip")
			}
			d = newDownloader()

			stats, err := d.Run(context.Background(), []string{"PRU2"}, oneDay)
			Expect(err).NotTo(HaveOccurred())

			Expect(stats.RunID).NotTo(BeEmpty())
			Expect(stats.RunLogPath).To(HavePrefix(logsDir))
			Expect(strings.HasSuffix(stats.FilesLogPath, ".txt")).To(BeTrue())
			Expect(strings.HasSuffix(stats.NoDataLogPath, ".csv")).To(BeTrue())
		})
	})
})
