package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/integrahub/docflow/internal/dferr"
	"github.com/integrahub/docflow/internal/model"
	"github.com/integrahub/docflow/internal/pipeline"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	s := NewServer("127.0.0.1:0", hub, NewMetrics(hub))
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHealthAlwaysOK(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ingestd", body["service"])
}

func TestReadinessFollowsDependencies(t *testing.T) {
	s, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	s.SetBrokerReady(true)
	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "database still pending")

	s.SetDatabaseReady(true)
	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["ready"])
}

func TestOutcomeHookFeedsMetrics(t *testing.T) {
	s, ts := testServer(t)
	hook := s.OutcomeHook()

	hook(pipeline.Outcome{
		FileName: "a.xml", Status: model.StatusSuccess,
		LineCount: 5, Elapsed: 120 * time.Millisecond,
	})
	hook(pipeline.Outcome{
		FileName: "b.xml", Status: model.StatusError, Kind: dferr.KindValidation,
		Elapsed: 10 * time.Millisecond,
	})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	assert.Contains(t, body, `docflow_documents_processed_total{kind="",status="SUCCESS"} 1`)
	assert.Contains(t, body, `docflow_documents_processed_total{kind="ValidationError",status="ERROR"} 1`)
	assert.Contains(t, body, "docflow_lines_persisted_total 5")
}

func TestBatchSizeHookUpdatesGauge(t *testing.T) {
	s, ts := testServer(t)
	s.BatchSizeHook()(140)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "docflow_batch_size 140")
}

func TestHubShutdownReleasesClientHandlers(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	ts := httptest.NewServer(http.HandlerFunc(h.handleWS))
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The greeting arrives only after registration completed.
	var greeting wsMessage
	require.NoError(t, conn.ReadJSON(&greeting))

	cancel()
	<-stopped
	conn.Close()

	// Close waits for every in-flight handler; a client teardown stuck on
	// the stopped hub would hang here.
	closed := make(chan struct{})
	go func() {
		ts.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("websocket handler still blocked after hub shutdown")
	}
}

func TestHubBroadcastReachesClient(t *testing.T) {
	s, ts := testServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The greeting arrives only after registration completed.
	var greeting wsMessage
	require.NoError(t, conn.ReadJSON(&greeting))
	assert.Equal(t, "status", greeting.Type)

	s.OutcomeHook()(pipeline.Outcome{
		FileName: "live.xml", Status: model.StatusSuccess, LineCount: 2,
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "document", msg.Type)

	data, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"fileName":"live.xml"`)
}
