package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/genstream-io/genstream/internal/bus"
	"github.com/genstream-io/genstream/internal/generate"
	"github.com/genstream-io/genstream/internal/scope"
)

func TestHandleEventsRejectsMalformedSelector(t *testing.T) {
	env := newTestEnv(t, generate.SourceFunc(func(ctx context.Context, req generate.Request) (generate.TokenStream, error) {
		return &sliceStream{}, nil
	}))

	cases := []string{
		"/v1/events?projects=a,,b",
		"/v1/events?threads=",
		"/v1/events?sessions=a&sessions=",
	}
	for _, path := range cases {
		rr := env.do(t, http.MethodGet, path, nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want %d: %s", path, rr.Code, http.StatusBadRequest, rr.Body)
		}
	}

	// A selector with too many IDs is rejected before subscribing.
	var ids []string
	for i := 0; i <= scope.MaxSelectorIDs; i++ {
		ids = append(ids, "id"+string(rune('a'+i%26))+string(rune('a'+i/26)))
	}
	rr := env.do(t, http.MethodGet, "/v1/events?threads="+strings.Join(ids, ","), nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("oversized selector: status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

// sseFrame is one parsed event/data pair off the wire.
type sseFrame struct {
	Event string
	Frame StreamFrame
}

// openStream issues a streaming GET against the live test server and parses
// SSE frames into a channel. Comment lines are counted, not forwarded.
func openStream(t *testing.T, ctx context.Context, baseURL, query string) (<-chan sseFrame, <-chan string) {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/events"+query, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("stream status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		resp.Body.Close()
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	frames := make(chan sseFrame, 128)
	comments := make(chan string, 128)
	go func() {
		defer resp.Body.Close()
		defer close(frames)

		scanner := bufio.NewScanner(resp.Body)
		var event string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, ": "):
				select {
				case comments <- strings.TrimPrefix(line, ": "):
				default:
				}
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var frame StreamFrame
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
					return
				}
				frames <- sseFrame{Event: event, Frame: frame}
			}
		}
	}()
	return frames, comments
}

func collectThread(t *testing.T, frames <-chan sseFrame) []sseFrame {
	t.Helper()
	var got []sseFrame
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("stream ended before terminal frame; got %d frames", len(got))
			}
			got = append(got, f)
			if f.Frame.Kind == "complete" || f.Frame.Kind == "error" {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal frame; got %d frames", len(got))
		}
	}
}

func TestEventsStreamDeliversOrderedFrames(t *testing.T) {
	env := newTestEnv(t, generate.SourceFunc(func(ctx context.Context, req generate.Request) (generate.TokenStream, error) {
		return &sliceStream{fragments: []string{"hello ", "streaming ", "world"}}, nil
	}))

	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames, _ := openStream(t, ctx, ts.URL, "?threads=t1")

	body := GenerateRequest{ProjectID: "p1", SessionID: "s1", ThreadID: "t1", Prompt: "say hello"}
	if rr := env.do(t, http.MethodPost, "/v1/generate", body); rr.Code != http.StatusAccepted {
		t.Fatalf("generate status = %d: %s", rr.Code, rr.Body)
	}

	got := collectThread(t, frames)

	var partials []string
	var lastSeq uint64
	for i, f := range got {
		if f.Frame.ThreadID != "t1" {
			t.Fatalf("frame %d leaked from thread %q", i, f.Frame.ThreadID)
		}
		if f.Frame.Seq <= lastSeq {
			t.Fatalf("frame %d seq %d not increasing after %d", i, f.Frame.Seq, lastSeq)
		}
		lastSeq = f.Frame.Seq
		if f.Event != f.Frame.Kind {
			t.Fatalf("frame %d event name %q does not match kind %q", i, f.Event, f.Frame.Kind)
		}
		if f.Frame.Kind == "partial" {
			partials = append(partials, f.Frame.Content)
		}
	}

	last := got[len(got)-1]
	if last.Frame.Kind != "complete" {
		t.Fatalf("terminal kind = %q, want complete", last.Frame.Kind)
	}
	if last.Frame.State != "completed" {
		t.Fatalf("terminal state = %q, want completed", last.Frame.State)
	}
	if joined := strings.Join(partials, ""); joined != last.Frame.Content {
		t.Fatalf("joined partials %q != final content %q", joined, last.Frame.Content)
	}
}

func TestEventsStreamFiltersByScope(t *testing.T) {
	env := newTestEnv(t, generate.SourceFunc(func(ctx context.Context, req generate.Request) (generate.TokenStream, error) {
		return &sliceStream{fragments: []string{"for ", req.Scope.ThreadID}}, nil
	}))

	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames, _ := openStream(t, ctx, ts.URL, "?threads=wanted")

	// Run the unwanted thread to completion first so any leaked frame would
	// already be in flight before the wanted thread produces its frames.
	other := GenerateRequest{ProjectID: "p", SessionID: "s", ThreadID: "other", Prompt: "x"}
	if rr := env.do(t, http.MethodPost, "/v1/generate", other); rr.Code != http.StatusAccepted {
		t.Fatalf("generate other status = %d", rr.Code)
	}
	waitIdle(t, env.controller, scope.Scope{ProjectID: "p", SessionID: "s", ThreadID: "other"})

	wanted := GenerateRequest{ProjectID: "p", SessionID: "s", ThreadID: "wanted", Prompt: "x"}
	if rr := env.do(t, http.MethodPost, "/v1/generate", wanted); rr.Code != http.StatusAccepted {
		t.Fatalf("generate wanted status = %d", rr.Code)
	}

	got := collectThread(t, frames)
	for i, f := range got {
		if f.Frame.ThreadID != "wanted" {
			t.Fatalf("frame %d from thread %q crossed the selector", i, f.Frame.ThreadID)
		}
	}
	if got[len(got)-1].Frame.Content != "for wanted" {
		t.Fatalf("final content = %q", got[len(got)-1].Frame.Content)
	}
}

func TestEventsStreamSignalsOverflowToSlowClient(t *testing.T) {
	env := newTestEnvQueue(t, generate.SourceFunc(func(ctx context.Context, req generate.Request) (generate.TokenStream, error) {
		return &sliceStream{}, nil
	}), 4)

	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?threads=flood", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// Flood the subscription without reading the response body. Once the
	// socket and the 4-slot queue fill, the bus disconnects the subscriber
	// rather than silently dropping events.
	sc := scope.Scope{ProjectID: "p", SessionID: "s", ThreadID: "flood"}
	payload := strings.Repeat("x", 32*1024)
	for i := 0; i < 1000; i++ {
		if _, err := env.bus.Publish(bus.Event{Scope: sc, Kind: bus.KindPartial, TaskID: "task-flood", Content: payload}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	// Drain everything. The stream must end, and the final frame must be the
	// distinct overflow notice, not a plain close.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 256*1024), 1024*1024)
	var lastEvent string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			lastEvent = strings.TrimPrefix(line, "event: ")
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if lastEvent != "overflow" {
		t.Fatalf("last event = %q, want overflow", lastEvent)
	}
}

func TestEventsStreamSendsKeepalives(t *testing.T) {
	env := newTestEnv(t, generate.SourceFunc(func(ctx context.Context, req generate.Request) (generate.TokenStream, error) {
		return &sliceStream{}, nil
	}))

	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, comments := openStream(t, ctx, ts.URL, "?threads=quiet")

	// The test env heartbeat is 20ms; an idle stream must emit comment
	// frames well within the deadline.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-comments:
			if c == "keepalive" {
				return
			}
		case <-deadline:
			t.Fatalf("no keepalive comment on idle stream")
		}
	}
}
