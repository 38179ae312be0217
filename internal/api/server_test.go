package api

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/lockstep/internal/coordinator"
	"github.com/mattjoyce/lockstep/internal/events"
)

type stubSource struct {
	status coordinator.Status
}

func (s *stubSource) Status() coordinator.Status { return s.status }

func newTestServer(t *testing.T, source StatusSource, hub *events.Hub) *httptest.Server {
	t.Helper()
	s := New(Config{Listen: ":0"}, source, hub, slog.Default())
	ts := httptest.NewServer(s.setupRoutes())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &stubSource{}, events.NewHub(8))

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestRunStatus(t *testing.T) {
	source := &stubSource{status: coordinator.Status{
		RunID:        "run-42",
		State:        coordinator.StateRunning,
		CurrentStage: 1,
		StageName:    "transform",
		TotalStages:  3,
		GroupSize:    4,
	}}
	ts := newTestServer(t, source, events.NewHub(8))

	resp, err := http.Get(ts.URL + "/v1/run")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got coordinator.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "run-42", got.RunID)
	assert.Equal(t, coordinator.StateRunning, got.State)
	assert.Equal(t, "transform", got.StageName)
	assert.Equal(t, 4, got.GroupSize)
}

func TestEvents(t *testing.T) {
	hub := events.NewHub(8)
	hub.Publish(events.TypeRunStarted, "run-42", -1, "")
	hub.Publish(events.TypeStageStarted, "run-42", 0, "extract")
	hub.Publish(events.TypeStageCompleted, "run-42", 0, "extract")
	ts := newTestServer(t, &stubSource{}, hub)

	resp, err := http.Get(ts.URL + "/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Events []events.Event `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Events, 3)
	assert.Equal(t, events.TypeRunStarted, body.Events[0].Type)
	assert.Equal(t, events.TypeStageCompleted, body.Events[2].Type)
}

func TestEventsSince(t *testing.T) {
	hub := events.NewHub(8)
	hub.Publish(events.TypeRunStarted, "run-42", -1, "")
	hub.Publish(events.TypeStageStarted, "run-42", 0, "extract")
	ts := newTestServer(t, &stubSource{}, hub)

	resp, err := http.Get(ts.URL + "/v1/events?since=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Events []events.Event `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, events.TypeStageStarted, body.Events[0].Type)
}

// streamLines opens the SSE endpoint and reads lines until stop returns true
// or the deadline hits, then cancels the request.
func streamLines(t *testing.T, url string, header http.Header, stop func(line string) bool) []string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		if stop(line) {
			cancel()
			break
		}
	}
	return lines
}

func TestEventStreamReplaysBuffer(t *testing.T) {
	hub := events.NewHub(8)
	hub.Publish(events.TypeRunStarted, "run-42", -1, "")
	hub.Publish(events.TypeStageStarted, "run-42", 0, "extract")
	ts := newTestServer(t, &stubSource{}, hub)

	lines := streamLines(t, ts.URL+"/v1/events/stream", nil, func(line string) bool {
		return strings.HasPrefix(line, "data: ") && strings.Contains(line, events.TypeStageStarted)
	})

	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "id: 1")
	assert.Contains(t, joined, "event: "+events.TypeRunStarted)
	assert.Contains(t, joined, "event: "+events.TypeStageStarted)
}

func TestEventStreamHonorsLastEventID(t *testing.T) {
	hub := events.NewHub(8)
	hub.Publish(events.TypeRunStarted, "run-42", -1, "")
	hub.Publish(events.TypeStageStarted, "run-42", 0, "extract")
	ts := newTestServer(t, &stubSource{}, hub)

	header := http.Header{"Last-Event-Id": []string{"1"}}
	lines := streamLines(t, ts.URL+"/v1/events/stream", header, func(line string) bool {
		return strings.HasPrefix(line, "data: ")
	})

	joined := strings.Join(lines, "\n")
	assert.NotContains(t, joined, "event: "+events.TypeRunStarted)
	assert.Contains(t, joined, "event: "+events.TypeStageStarted)
}

func TestEventStreamDeliversLiveEvents(t *testing.T) {
	hub := events.NewHub(8)
	ts := newTestServer(t, &stubSource{}, hub)

	// Publish after the subscription is in place.
	go func() {
		time.Sleep(100 * time.Millisecond)
		hub.Publish(events.TypeRunCompleted, "run-42", -1, "")
	}()

	lines := streamLines(t, ts.URL+"/v1/events/stream", nil, func(line string) bool {
		return strings.HasPrefix(line, "event: "+events.TypeRunCompleted)
	})

	assert.Contains(t, strings.Join(lines, "\n"), "event: "+events.TypeRunCompleted)
}

func TestEventsBadSince(t *testing.T) {
	ts := newTestServer(t, &stubSource{}, events.NewHub(8))

	resp, err := http.Get(ts.URL + "/v1/events?since=banana")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
