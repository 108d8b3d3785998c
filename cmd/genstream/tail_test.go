package main

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestStreamURLEncodesSelectors(t *testing.T) {
	cfg := tailConfig{
		APIBase: "http://127.0.0.1:8090",
		Threads: "t1,t2",
	}
	u := cfg.streamURL()
	if !strings.HasPrefix(u, "http://127.0.0.1:8090/v1/events?") {
		t.Fatalf("unexpected URL: %s", u)
	}
	if !strings.Contains(u, "threads=t1%2Ct2") {
		t.Fatalf("threads selector not encoded: %s", u)
	}

	bare := tailConfig{APIBase: "http://127.0.0.1:8090"}
	if got := bare.streamURL(); got != "http://127.0.0.1:8090/v1/events" {
		t.Fatalf("bare URL = %s", got)
	}
}

func TestHandleEventAccumulatesPartials(t *testing.T) {
	m := newTailModel(tailConfig{})

	frames := []tailFrame{
		{ProjectID: "p", SessionID: "s", ThreadID: "t", Seq: 1, Kind: "status", State: "pending", TaskID: "task-1"},
		{ProjectID: "p", SessionID: "s", ThreadID: "t", Seq: 2, Kind: "status", State: "generating", TaskID: "task-1"},
		{ProjectID: "p", SessionID: "s", ThreadID: "t", Seq: 3, Kind: "partial", Content: "hello "},
		{ProjectID: "p", SessionID: "s", ThreadID: "t", Seq: 4, Kind: "partial", Content: "world"},
		{ProjectID: "p", SessionID: "s", ThreadID: "t", Seq: 5, Kind: "complete", Content: "hello world", State: "completed"},
	}
	for _, f := range frames {
		data, _ := json.Marshal(f)
		m.handleEvent(f.Kind, data)
	}

	view, ok := m.views["p/s/t"]
	if !ok {
		t.Fatalf("expected view for p/s/t")
	}
	if view.Content != "hello world" {
		t.Fatalf("content = %q, want %q", view.Content, "hello world")
	}
	if view.State != "completed" {
		t.Fatalf("state = %q, want completed", view.State)
	}
	if m.gaps != 0 {
		t.Fatalf("gaps = %d, want 0", m.gaps)
	}
}

func TestHandleEventDetectsSequenceGap(t *testing.T) {
	m := newTailModel(tailConfig{})

	for _, f := range []tailFrame{
		{ProjectID: "p", SessionID: "s", ThreadID: "t", Seq: 1, Kind: "partial", Content: "a"},
		{ProjectID: "p", SessionID: "s", ThreadID: "t", Seq: 4, Kind: "partial", Content: "d"},
	} {
		data, _ := json.Marshal(f)
		m.handleEvent(f.Kind, data)
	}
	if m.gaps != 1 {
		t.Fatalf("gaps = %d, want 1", m.gaps)
	}

	// Independent scopes track sequences separately.
	other, _ := json.Marshal(tailFrame{ProjectID: "p2", SessionID: "s", ThreadID: "t", Seq: 7, Kind: "partial", Content: "x"})
	m.handleEvent("partial", other)
	if m.gaps != 1 {
		t.Fatalf("first frame of a new scope counted as gap: gaps = %d", m.gaps)
	}
}

func TestHandleEventErrorFrame(t *testing.T) {
	m := newTailModel(tailConfig{})

	data, _ := json.Marshal(tailFrame{ProjectID: "p", SessionID: "s", ThreadID: "t", Seq: 1, Kind: "error", State: "failed", Error: "source stalled"})
	m.handleEvent("error", data)

	view := m.views["p/s/t"]
	if view == nil || view.State != "failed" {
		t.Fatalf("expected failed view, got %+v", view)
	}
	var found bool
	for _, line := range m.events {
		if strings.Contains(line, "source stalled") {
			found = true
		}
	}
	if !found {
		t.Fatalf("error not surfaced in event log: %v", m.events)
	}
}

func TestWrapText(t *testing.T) {
	lines := wrapText("abcdefghij", 4)
	want := []string{"abcd", "efgh", "ij"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestTrimForLog(t *testing.T) {
	if got := trimForLog("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := trimForLog("a long message here", 10); got != "a long ..." {
		t.Fatalf("got %q", got)
	}
}
