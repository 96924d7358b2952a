// Package logging provides the console log formatter used by the fetcher:
// colored, single-line, with the fields that matter for a download run
// (station, target, error) pulled to the front.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// ConsoleFormatter renders log entries as colored key=value lines.
type ConsoleFormatter struct {
	// TimestampFormat controls the leading timestamp
	TimestampFormat string
	// DisableColors turns off ANSI colors, for piped output
	DisableColors bool
}

func NewConsoleFormatter() *ConsoleFormatter {
	return &ConsoleFormatter{
		TimestampFormat: time.RFC3339,
	}
}

func (f *ConsoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	if f.DisableColors {
		color.NoColor = true
	}

	levelColor := levelColor(entry.Level)
	timeColor := color.New(color.FgYellow)
	valueColor := color.New(color.FgWhite)

	b.WriteString(timeColor.Sprint(entry.Time.Format(f.TimestampFormat)))
	b.WriteByte(' ')
	b.WriteString(levelColor.Sprintf("%-7s", strings.ToUpper(entry.Level.String())))
	b.WriteByte(' ')
	b.WriteString(levelColor.Sprint(entry.Message))
	b.WriteByte(' ')

	for _, k := range sortedKeys(entry.Data) {
		v := entry.Data[k]

		var valueStr string
		switch v := v.(type) {
		case string:
			valueStr = fmt.Sprintf("%q", v)
		case error:
			valueStr = fmt.Sprintf("%q", v.Error())
		default:
			jsonBytes, err := json.Marshal(v)
			if err != nil {
				valueStr = fmt.Sprintf("%v", v)
			} else {
				valueStr = string(jsonBytes)
			}
		}

		fieldColor := color.New(color.FgCyan)
		if isImportantField(k) {
			fieldColor = color.New(color.FgGreen)
		}

		b.WriteString(fieldColor.Sprintf("%s=", k))
		b.WriteString(valueColor.Sprint(valueStr))
		b.WriteByte(' ')
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func levelColor(level logrus.Level) *color.Color {
	switch level {
	case logrus.DebugLevel:
		return color.New(color.FgBlue)
	case logrus.InfoLevel:
		return color.New(color.FgGreen)
	case logrus.WarnLevel:
		return color.New(color.FgYellow)
	case logrus.ErrorLevel:
		return color.New(color.FgRed)
	case logrus.FatalLevel, logrus.PanicLevel:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgWhite)
	}
}

func isImportantField(field string) bool {
	important := map[string]bool{
		"station":   true,
		"target_id": true,
		"run_id":    true,
		"error":     true,
	}
	return important[field]
}

// sortedKeys orders fields for display: run identity first, then station and
// target, then everything else alphabetically.
func sortedKeys(data logrus.Fields) []string {
	priority := map[string]int{
		"run_id":    1,
		"station":   2,
		"target_id": 3,
		"worker_id": 4,
		"error":     5,
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		ip, jp := priority[keys[i]], priority[keys[j]]
		switch {
		case ip != 0 && jp != 0:
			return ip < jp
		case ip != 0:
			return true
		case jp != 0:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}
