// Package runconfig assembles the per-run request: which stations to fetch,
// the date range, and the optional repeat interval. Values come from
// environment variables, optionally topped up from a YAML file for runs
// driven by a checked-in config.
package runconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ionolab/ismrfetch/pkg/daterange"
)

// DefaultConfigFile is consulted when ISMR_CONFIG_FILE is unset.
const DefaultConfigFile = "ismrfetch.yaml"

// RunConfig describes one batch run.
// Environment variables:
//   - ISMR_STATIONS: comma-separated station codes (e.g. "PRU2,SJCU")
//   - ISMR_START: range start, YYYY-MM-DD or YYYY-MM-DDTHH:MM:SS
//   - ISMR_END: range end, same formats
//   - ISMR_RUN_INTERVAL: optional repeat interval (e.g. "12h"); empty runs once
//   - ISMR_CONFIG_FILE: optional YAML file filling in unset values
type RunConfig struct {
	// Stations are the receiver station codes to fetch
	Stations []string
	// Start and End bound the requested date range
	Start string
	End   string
	// Interval repeats the run on a fixed schedule when non-zero
	Interval time.Duration
}

// fileConfig is the YAML shape of the optional config file.
type fileConfig struct {
	Stations []string `yaml:"stations"`
	Start    string   `yaml:"start"`
	End      string   `yaml:"end"`
	Interval string   `yaml:"interval"`
}

// Load builds a RunConfig from the environment, then fills any unset values
// from the YAML config file if one is present. Environment variables win.
func Load(logger *logrus.Logger) (*RunConfig, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &RunConfig{
		Stations: splitStations(os.Getenv("ISMR_STATIONS")),
		Start:    os.Getenv("ISMR_START"),
		End:      os.Getenv("ISMR_END"),
	}

	if v := os.Getenv("ISMR_RUN_INTERVAL"); v != "" {
		interval, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("runconfig: invalid ISMR_RUN_INTERVAL %q: %w", v, err)
		}
		config.Interval = interval
	}

	path := os.Getenv("ISMR_CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	if err := config.mergeFile(logger, path, explicit); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// mergeFile fills unset fields from the YAML file at path. A missing file is
// an error only when it was explicitly requested.
func (c *RunConfig) mergeFile(logger *logrus.Logger, path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("runconfig: read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("runconfig: parse config file %s: %w", path, err)
	}

	logger.WithField("path", path).Debug("Merging YAML run config")

	if len(c.Stations) == 0 {
		c.Stations = fc.Stations
	}
	if c.Start == "" {
		c.Start = fc.Start
	}
	if c.End == "" {
		c.End = fc.End
	}
	if c.Interval == 0 && fc.Interval != "" {
		interval, err := time.ParseDuration(fc.Interval)
		if err != nil {
			return fmt.Errorf("runconfig: invalid interval %q in %s: %w", fc.Interval, path, err)
		}
		c.Interval = interval
	}
	return nil
}

// Validate checks that the run request is complete.
func (c *RunConfig) Validate() error {
	if len(c.Stations) == 0 {
		return fmt.Errorf("runconfig: at least one station is required (set ISMR_STATIONS)")
	}
	if c.Start == "" || c.End == "" {
		return fmt.Errorf("runconfig: start and end dates are required (set ISMR_START and ISMR_END)")
	}
	if _, err := c.Range(); err != nil {
		return err
	}
	return nil
}

// Range parses the configured start/end into a validated date range.
func (c *RunConfig) Range() (daterange.Range, error) {
	return daterange.ParseRange(c.Start, c.End)
}

func splitStations(value string) []string {
	if value == "" {
		return nil
	}
	var stations []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			stations = append(stations, s)
		}
	}
	return stations
}
