package metrics

import (
	"testing"
	"time"
)

func TestRecordAndSummarize(t *testing.T) {
	recorder := NewRecorder(t.TempDir())

	recorder.Record("stream_timeout", map[string]any{"elapsed_ms": 120.0})
	recorder.Record("stream_timeout", map[string]any{"elapsed_ms": 80.0})
	recorder.Record("chat_turn", map[string]any{"duration_ms": 300.0, "streamed": true})

	summary, err := recorder.Summarize("")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.Total != 3 {
		t.Fatalf("expected 3 entries, got %d", summary.Total)
	}
	if summary.Window != "all" {
		t.Fatalf("expected window 'all', got %q", summary.Window)
	}

	timeouts, ok := summary.Types["stream_timeout"]
	if !ok {
		t.Fatalf("expected stream_timeout bucket")
	}
	if timeouts.Count != 2 {
		t.Fatalf("expected 2 stream_timeout samples, got %d", timeouts.Count)
	}
	elapsed := timeouts.Fields["elapsed_ms"]
	if elapsed.Min != 80 || elapsed.Max != 120 || elapsed.Avg != 100 {
		t.Fatalf("unexpected elapsed_ms summary: %+v", elapsed)
	}
}

func TestSummarizeEmptyLog(t *testing.T) {
	recorder := NewRecorder(t.TempDir())

	summary, err := recorder.Summarize("")
	if err != nil {
		t.Fatalf("Summarize failed on empty log: %v", err)
	}
	if summary.Total != 0 {
		t.Fatalf("expected empty summary, got %d entries", summary.Total)
	}
}

func TestSummarizeRejectsBadWindow(t *testing.T) {
	recorder := NewRecorder(t.TempDir())
	if _, err := recorder.Summarize("yesterday"); err == nil {
		t.Fatalf("expected error for malformed window")
	}
}

func TestParseSinceWindow(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
	}{
		{"30s", 30 * time.Second},
		{"15m", 15 * time.Minute},
		{"24h", 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
	}
	for _, tc := range cases {
		got, err := ParseSinceWindow(tc.value)
		if err != nil {
			t.Fatalf("ParseSinceWindow(%q) failed: %v", tc.value, err)
		}
		if got != tc.want {
			t.Fatalf("ParseSinceWindow(%q) = %s, want %s", tc.value, got, tc.want)
		}
	}

	if _, err := ParseSinceWindow("10x"); err == nil {
		t.Fatalf("expected error for unsupported unit")
	}
}

func TestLoadHonorsWindow(t *testing.T) {
	recorder := NewRecorder(t.TempDir())
	recorder.Record("chat_turn", map[string]any{"duration_ms": 10.0})

	entries, err := recorder.Load(time.Hour)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected fresh entry inside window, got %d", len(entries))
	}
}
