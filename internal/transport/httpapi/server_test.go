package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rideon/internal/emit"
	"github.com/roach88/rideon/internal/engine"
	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/partition"
	"github.com/roach88/rideon/internal/retry"
	"github.com/roach88/rideon/internal/store"
	"github.com/roach88/rideon/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	mem    *store.Memory
	feed   *Feed
	router *engine.Router
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := store.NewMemory()
	feed := NewFeed(quietLogger())
	e, err := engine.New(mem, mem, emit.MustNew(feed), engine.WithLogger(quietLogger()))
	require.NoError(t, err)

	r := engine.NewRouter(e, partition.MustNew(4), engine.WithRouterLogger(quietLogger()))
	require.NoError(t, r.Start(context.Background()))

	srv := httptest.NewServer(New(r, mem, WithFeed(feed), WithTombstones(mem), WithLogger(quietLogger())).Handler())
	t.Cleanup(func() {
		feed.Close()
		srv.Close()
		_ = r.Shutdown(context.Background())
	})
	return &fixture{mem: mem, feed: feed, router: r, server: srv}
}

func (f *fixture) post(t *testing.T, kind, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.server.URL+"/v1/events/"+kind, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestPostEvent_TracksAndCompletes(t *testing.T) {
	f := newFixture(t)

	status, body := f.post(t, "entered", `{"entity_id":"A","timestamp":"2024-03-01T09:00:00Z"}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "tracked", body["outcome"])
	assert.NotEmpty(t, body["delivery_id"], "delivery id assigned when absent")

	status, body = f.get(t, "/v1/visits/A")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "tracking", body["state"])
	assert.Equal(t, "entered", body["status"])
	assert.Equal(t, "2024-03-01T09:00:00Z", body["entered_at"])
	assert.Nil(t, body["left_at"])

	status, body = f.post(t, "left", `{"entity_id":"A","timestamp":"2024-03-01T09:00:45Z","delivery_id":"d-2"}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "completed", body["outcome"])
	assert.Equal(t, "d-2", body["delivery_id"])
	visit := body["visit"].(map[string]any)
	assert.Equal(t, float64(45000), visit["duration_ms"])

	status, body = f.get(t, "/v1/visits/A")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, true, body["finalized"])
}

func TestPostEvent_Rejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		kind   string
		body   string
		status int
	}{
		{"unknown route kind", "visited", `{"entity_id":"A"}`, http.StatusNotFound},
		{"bad json", "entered", `{`, http.StatusBadRequest},
		{"missing entity", "entered", `{"timestamp":"2024-03-01T09:00:00Z"}`, http.StatusBadRequest},
		{"missing timestamp", "entered", `{"entity_id":"A"}`, http.StatusBadRequest},
		{"kind mismatch", "entered", `{"entity_id":"A","kind":"left","timestamp":"2024-03-01T09:00:00Z"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.post(t, tt.kind, tt.body)
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Equal(t, 0, f.mem.Len())
}

type failingProcessor struct{ err error }

func (p failingProcessor) Process(context.Context, ir.Observation) (engine.Result, error) {
	return engine.Result{Outcome: engine.OutcomeFailed}, p.err
}

func TestPostEvent_UnavailableOnExhaustion(t *testing.T) {
	obs := ir.Observation{EntityID: "A", Kind: ir.KindEntered}
	cause := engine.NewExhaustedError(obs, retry.Default().MaxAttempts(), errors.New("store down"))
	srv := httptest.NewServer(New(failingProcessor{cause}, store.NewMemory(), WithLogger(quietLogger())).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/events/entered", "application/json", strings.NewReader(`{"entity_id":"A","timestamp":"2024-03-01T09:00:00Z"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp2, err := http.Post(srv.URL+"/v1/feed", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode, "feed route only exists with a feed")
}

func TestPostEvent_UnavailableAfterShutdown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.router.Shutdown(context.Background()))

	status, _ := f.post(t, "entered", `{"entity_id":"A","timestamp":"2024-03-01T09:00:00Z"}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	status, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["queued"])
	assert.Equal(t, float64(0), body["feed_clients"])
}

func TestFeed_StreamsCompletedVisits(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.feed.Clients() == 1 }, time.Second, 5*time.Millisecond)

	f.post(t, "entered", `{"entity_id":"B","timestamp":"2024-03-01T09:00:05Z"}`)
	f.post(t, "left", `{"entity_id":"B","timestamp":"2024-03-01T09:00:10Z"}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	visit, err := ir.DecodeVisit(data)
	require.NoError(t, err)
	assert.Equal(t, ir.EntityID("B"), visit.EntityID)
	assert.Equal(t, 5*time.Second, visit.Duration())
	assert.Equal(t, ir.MustVisitID("B", visit.Entered, visit.Left), visit.VisitID)
}

func TestFeed_PublishWithoutClients(t *testing.T) {
	feed := NewFeed(quietLogger())
	v, err := ir.NewVisitCompleted("p", testutil.Epoch, testutil.Epoch.Add(time.Minute))
	require.NoError(t, err)

	assert.NoError(t, feed.Publish(context.Background(), v))
	assert.Equal(t, "feed", feed.Name())
}
