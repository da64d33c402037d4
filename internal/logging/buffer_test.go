package logging

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRingBufferWraps(t *testing.T) {
	rb := NewRingBuffer(3)
	if got := rb.ReadAll(); got != nil {
		t.Fatalf("empty buffer = %v", got)
	}
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		rb.Write(Entry{Message: msg})
	}

	got := rb.ReadAll()
	var msgs []string
	for _, e := range got {
		msgs = append(msgs, e.Message)
	}
	if strings.Join(msgs, "") != "cde" {
		t.Errorf("messages = %v, want [c d e]", msgs)
	}
	if got[0].Seq != 3 || got[2].Seq != 5 {
		t.Errorf("seq = %d..%d, want 3..5", got[0].Seq, got[2].Seq)
	}
	if rb.Count() != 3 {
		t.Errorf("Count = %d, want 3", rb.Count())
	}
}

func TestRingBufferFilter(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write(Entry{DeviceID: "A", Message: "one"})
	rb.Write(Entry{DeviceID: "B", Message: "two"})
	rb.Write(Entry{Message: "three"})
	rb.Write(Entry{DeviceID: "A", Message: "four"})

	got := rb.Filter(func(e Entry) bool { return e.DeviceID == "A" })
	if len(got) != 2 || got[0].Message != "one" || got[1].Message != "four" {
		t.Errorf("Filter = %+v", got)
	}
}

func TestBufferHandlerRecords(t *testing.T) {
	resetState()
	Initialize(Config{Level: "info", BufferSize: 16})

	var seen []Entry
	SetEntryCallback(func(e Entry) { seen = append(seen, e) })

	logger := GetLogger("agent").With("device_id", "R58M42")
	logger.Debug("dropped by level")
	logger.WithGroup("agent").Info("encoder started", "codec", "h264", "err", errors.New("boom"), slog.Duration("took", time.Second))

	entries := Tail().Filter(func(e Entry) bool { return e.DeviceID == "R58M42" })
	if len(entries) != 1 {
		t.Fatalf("entries = %+v, want 1", entries)
	}
	e := entries[0]
	if e.Module != "agent" || e.Level != "info" || e.Message != "encoder started" {
		t.Errorf("entry = %+v", e)
	}
	want := map[string]any{"agent.codec": "h264", "agent.err": "boom", "agent.took": "1s"}
	for k, v := range want {
		if e.Attributes[k] != v {
			t.Errorf("attribute %s = %v, want %v", k, e.Attributes[k], v)
		}
	}
	if len(seen) != 1 || seen[0].Seq != e.Seq {
		t.Errorf("callback saw %+v", seen)
	}
}

func TestFormatLine(t *testing.T) {
	ts := time.Date(2026, 1, 27, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		name  string
		entry Entry
		want  string
	}{
		{
			"plain",
			Entry{Timestamp: ts, Level: "warn", Module: "scanner", Message: "adb failed"},
			"2026-01-27T10:30:00Z [WARN] [scanner] adb failed",
		},
		{
			"device and attributes",
			Entry{Timestamp: ts, Level: "info", Module: "agent", DeviceID: "A", Message: "ready", Attributes: map[string]any{"port": 27183, "codec": "h264"}},
			"2026-01-27T10:30:00Z [INFO] [agent] A: ready codec=h264 port=27183",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatLine(tt.entry); got != tt.want {
				t.Errorf("FormatLine = %q, want %q", got, tt.want)
			}
		})
	}
}
