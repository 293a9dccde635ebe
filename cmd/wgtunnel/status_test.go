package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/wgtunnel/pkg/core"
)

type fixedTunnel struct{ st core.Status }

func (f *fixedTunnel) Start(string) error  { return nil }
func (f *fixedTunnel) Stop() error         { return nil }
func (f *fixedTunnel) Status() core.Status { return f.st }

func connectedTunnel() *fixedTunnel {
	return &fixedTunnel{st: core.Status{
		Connected:              true,
		SessionID:              "abc",
		BytesIn:                10,
		BytesOut:               1000,
		StartTime:              time.Unix(1700000000, 0),
		SessionDurationSeconds: 5,
		QueueDrops:             2,
		TransportHealthy:       true,
	}}
}

func TestHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(newStatusMux(&fixedTunnel{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	srv := httptest.NewServer(newStatusMux(connectedTunnel()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, true, got["connected"])
	assert.Equal(t, float64(1000), got["bytesOut"])
	assert.Equal(t, float64(10), got["bytesIn"])
	assert.Equal(t, float64(5), got["sessionDuration"])
	assert.Equal(t, float64(1700000000000), got["startTime"])
	assert.Equal(t, "abc", got["sessionId"])
	assert.Equal(t, float64(2), got["queueDrops"])
}

func TestStatusEndpointRejectsPost(t *testing.T) {
	srv := httptest.NewServer(newStatusMux(connectedTunnel()))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/status", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestFormatSnapshot(t *testing.T) {
	snap := takeSnapshot(connectedTunnel(), time.Unix(1700000005, 0))

	line, err := formatSnapshot(snap, "text")
	require.NoError(t, err)
	assert.Contains(t, line, "connected=true")
	assert.Contains(t, line, "out=1000")
	assert.Contains(t, line, "queue_drops=2")
	assert.NotContains(t, line, "last_error")

	line, err = formatSnapshot(snap, "json")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &got))
	assert.Equal(t, "2023-11-14T22:13:25Z", got["ts"])
}

func TestFormatSnapshotIdle(t *testing.T) {
	ft := &fixedTunnel{st: core.Status{LastError: "handshake timeout"}}
	line, err := formatSnapshot(takeSnapshot(ft, time.Now()), "text")
	require.NoError(t, err)
	assert.Contains(t, line, "connected=false")
	assert.Contains(t, line, `last_error="handshake timeout"`)

	b, err := json.Marshal(takeSnapshot(ft, time.Now()))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"startTime":0`)
}
