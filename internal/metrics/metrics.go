// Package metrics appends operational samples to a JSONL file and produces
// per-type summaries for the /api/metrics endpoint.
package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"
)

var sincePattern = regexp.MustCompile(`^(\d+)([smhdw])$`)

// Sink is the minimal recording interface consumed by the delivery core.
// Tests substitute an in-memory implementation.
type Sink interface {
	Record(metricType string, fields map[string]any)
}

// Recorder persists metric samples to <dir>/metrics.jsonl.
type Recorder struct {
	mu           sync.Mutex
	path         string
	processStart time.Time
}

func NewRecorder(dataDir string) *Recorder {
	return &Recorder{
		path:         filepath.Join(dataDir, "logs", "metrics.jsonl"),
		processStart: time.Now(),
	}
}

// Record appends one sample. Filesystem failures are logged, never surfaced.
func (r *Recorder) Record(metricType string, fields map[string]any) {
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"type":      metricType,
	}
	for k, v := range fields {
		entry[k] = v
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		log.Printf("Unable to encode metrics entry: %v", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		log.Printf("Unable to create metrics directory: %v", err)
		return
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("Unable to open metrics log: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(payload, '\n')); err != nil {
		log.Printf("Unable to write metrics entry: %v", err)
	}
}

// ParseSinceWindow converts shorthand durations such as "30m", "24h", "7d"
// or "2w" into a time.Duration.
func ParseSinceWindow(value string) (time.Duration, error) {
	match := sincePattern.FindStringSubmatch(value)
	if match == nil {
		return 0, fmt.Errorf("duration must use forms such as '30m', '24h', '7d', or '2w'")
	}
	amount, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, err
	}
	switch match[2] {
	case "s":
		return time.Duration(amount) * time.Second, nil
	case "m":
		return time.Duration(amount) * time.Minute, nil
	case "h":
		return time.Duration(amount) * time.Hour, nil
	case "d":
		return time.Duration(amount) * 24 * time.Hour, nil
	case "w":
		return time.Duration(amount) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported duration unit %q", match[2])
}

// Load reads entries back, optionally restricted to the trailing window.
func (r *Recorder) Load(since time.Duration) ([]map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open metrics log: %w", err)
	}
	defer f.Close()

	var cutoff time.Time
	if since > 0 {
		cutoff = time.Now().UTC().Add(-since)
	}

	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if !cutoff.IsZero() {
			ts, ok := entry["timestamp"].(string)
			if ok {
				parsed, err := time.Parse(time.RFC3339, ts)
				if err == nil && parsed.Before(cutoff) {
					continue
				}
			}
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

type FieldSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

type TypeSummary struct {
	Count  int                     `json:"count"`
	Fields map[string]FieldSummary `json:"fields"`
	Latest map[string]any          `json:"latest"`
}

type Summary struct {
	Types         map[string]TypeSummary `json:"types"`
	Total         int                    `json:"total"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Window        string                 `json:"window"`
}

// Summarize aggregates numeric fields per metric type.
func (r *Recorder) Summarize(window string) (*Summary, error) {
	var since time.Duration
	if window != "" {
		parsed, err := ParseSinceWindow(window)
		if err != nil {
			return nil, err
		}
		since = parsed
	} else {
		window = "all"
	}

	entries, err := r.Load(since)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Types:         map[string]TypeSummary{},
		UptimeSeconds: time.Since(r.processStart).Seconds(),
		Window:        window,
	}

	values := map[string]map[string][]float64{}
	for _, entry := range entries {
		metricType, _ := entry["type"].(string)
		if metricType == "" {
			metricType = "unknown"
		}
		bucket := summary.Types[metricType]
		if bucket.Fields == nil {
			bucket.Fields = map[string]FieldSummary{}
		}
		bucket.Count++
		bucket.Latest = entry
		summary.Types[metricType] = bucket
		summary.Total++

		for key, value := range entry {
			if key == "timestamp" || key == "type" {
				continue
			}
			num, ok := value.(float64)
			if !ok {
				continue
			}
			if values[metricType] == nil {
				values[metricType] = map[string][]float64{}
			}
			values[metricType][key] = append(values[metricType][key], num)
		}
	}

	for metricType, fields := range values {
		bucket := summary.Types[metricType]
		for field, seq := range fields {
			fs := FieldSummary{Count: len(seq), Min: seq[0], Max: seq[0]}
			var total float64
			for _, v := range seq {
				if v < fs.Min {
					fs.Min = v
				}
				if v > fs.Max {
					fs.Max = v
				}
				total += v
			}
			fs.Avg = total / float64(len(seq))
			bucket.Fields[field] = fs
		}
		summary.Types[metricType] = bucket
	}
	return summary, nil
}
