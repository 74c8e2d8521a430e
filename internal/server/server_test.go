package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/los3r5/ESP32/internal/config"
	"github.com/los3r5/ESP32/internal/logging"
	"github.com/los3r5/ESP32/internal/metrics"
	"github.com/los3r5/ESP32/internal/protocol"
	"github.com/los3r5/ESP32/internal/stream"
)

type receiver struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	mgr     *stream.Manager
	udp     *UDPServer
	http    *httptest.Server
}

// startReceiver runs the UDP server on an ephemeral loopback port with the
// HTTP API behind httptest.
func startReceiver(t *testing.T) *receiver {
	t.Helper()

	cfg := config.Default()
	cfg.Receiver.BindAddress = "127.0.0.1"
	cfg.Receiver.UDPPort = 0
	// one worker keeps arrival order, so the first datagram starts the sequence
	cfg.Receiver.Workers = 1
	cfg.Recording.Directory = t.TempDir()

	logger := logging.Discard()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr := stream.NewManager(logger, cfg.Receiver, cfg.Recording, m)

	udp := NewUDPServer(&cfg.Receiver, logger, mgr, m)
	require.NoError(t, udp.Start())

	api := NewHTTPServer(cfg.HTTP, logger, cfg, mgr, udp, m)
	srv := httptest.NewServer(api.Handler())

	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, udp.Stop())
		mgr.Stop()
	})

	return &receiver{cfg: cfg, metrics: m, mgr: mgr, udp: udp, http: srv}
}

func (r *receiver) dial(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, r.udp.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *net.UDPConn, seq uint32, samples []int16) {
	t.Helper()
	data, err := protocol.Encode(&protocol.Datagram{
		Header:  protocol.Header{Sequence: seq, Peak: 1234},
		Samples: samples,
	})
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func ramp(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(i)
	}
	return samples
}

func (r *receiver) waitProcessed(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.udp.GetStatistics().PacketsProcessed >= n
	}, 2*time.Second, 10*time.Millisecond)
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestUDPServer_RoutesDatagramsToSessions(t *testing.T) {
	r := startReceiver(t)
	conn := r.dial(t)

	for seq := uint32(0); seq < 5; seq++ {
		send(t, conn, seq, ramp(256))
	}
	r.waitProcessed(t, 5)

	session, ok := r.mgr.GetSession(conn.LocalAddr().String())
	require.True(t, ok, "session keyed by sender address")
	info := session.GetSessionInfo()
	assert.Equal(t, uint64(5), info.Datagrams)
	assert.Equal(t, uint32(1234), info.LastPeak)
	assert.Equal(t, 5*256, session.Recorder.Pending())

	stats := r.udp.GetStatistics()
	assert.Equal(t, uint64(5), stats.PacketsReceived)
	assert.Equal(t, uint64(1), stats.ActiveStreams)
	assert.Equal(t, float64(5), testutil.ToFloat64(r.metrics.PacketsProcessed))
}

func TestUDPServer_ParseErrorsAreNotFatal(t *testing.T) {
	r := startReceiver(t)
	conn := r.dial(t)

	_, err := conn.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	_, err = conn.Write(make([]byte, protocol.HeaderSize+3))
	require.NoError(t, err)
	send(t, conn, 0, ramp(16))

	r.waitProcessed(t, 1)
	require.Eventually(t, func() bool {
		return r.udp.GetStatistics().ParseErrors == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(2), testutil.ToFloat64(r.metrics.ParseErrors))
}

func TestUDPServer_StopIsClean(t *testing.T) {
	cfg := config.Default()
	cfg.Receiver.BindAddress = "127.0.0.1"
	cfg.Receiver.UDPPort = 0

	mgr := stream.NewManager(logging.Discard(), cfg.Receiver, cfg.Recording, nil)
	defer mgr.Stop()

	udp := NewUDPServer(&cfg.Receiver, logging.Discard(), mgr, nil)
	assert.Nil(t, udp.Addr())
	require.NoError(t, udp.Start())
	require.NotNil(t, udp.Addr())

	done := make(chan error, 1)
	go func() { done <- udp.Stop() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestHTTP_AudioData(t *testing.T) {
	r := startReceiver(t)

	var empty audioResponse
	status := getJSON(t, r.http.URL+"/api/audio?action=data", &empty)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", empty.Status)
	assert.Equal(t, []any{}, empty.Data, "no sessions yet gives an empty array")

	conn := r.dial(t)
	for seq := uint32(0); seq < 10; seq++ {
		send(t, conn, seq, ramp(256))
	}
	r.waitProcessed(t, 10)

	var resp struct {
		Status string  `json:"status"`
		Data   []int16 `json:"data"`
	}
	status = getJSON(t, r.http.URL+"/api/audio?action=data", &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", resp.Status)
	// 2560 samples downsampled by 2560/1000 = 2
	assert.Len(t, resp.Data, 1280)

	status = getJSON(t, r.http.URL+"/api/audio?action=data&points=10&source="+conn.LocalAddr().String(), &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, resp.Data, 10)

	var missing audioResponse
	status = getJSON(t, r.http.URL+"/api/audio?action=data&source=10.9.9.9:1", &missing)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "error", missing.Status)
}

func TestHTTP_AudioSaveAndDownload(t *testing.T) {
	r := startReceiver(t)

	var nothing audioResponse
	status := getJSON(t, r.http.URL+"/api/audio?action=save", &nothing)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", nothing.Status)
	assert.Empty(t, nothing.RecordingURL)

	conn := r.dial(t)
	send(t, conn, 0, ramp(512))
	r.waitProcessed(t, 1)

	var saved audioResponse
	status = getJSON(t, r.http.URL+"/api/audio?action=save", &saved)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", saved.Status)
	require.True(t, strings.HasPrefix(saved.RecordingURL, "/recordings/audio_"), saved.RecordingURL)

	name := strings.TrimPrefix(saved.RecordingURL, "/recordings/")
	_, err := os.Stat(filepath.Join(r.cfg.Recording.Directory, name))
	require.NoError(t, err)

	resp, err := http.Get(r.http.URL + saved.RecordingURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(44+512*2), resp.ContentLength)
}

func TestHTTP_AudioInvalidAction(t *testing.T) {
	r := startReceiver(t)

	for _, query := range []string{"", "?action=delete"} {
		var resp audioResponse
		status := getJSON(t, r.http.URL+"/api/audio"+query, &resp)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, audioResponse{Status: "error", Error: "Invalid action"}, resp)
	}
}

func TestHTTP_MonitoringEndpoints(t *testing.T) {
	r := startReceiver(t)
	conn := r.dial(t)
	send(t, conn, 0, ramp(64))
	r.waitProcessed(t, 1)

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, r.http.URL+"/health", &health))
	assert.Equal(t, "healthy", health["status"])

	var sessions struct {
		Total    int                  `json:"total_sessions"`
		Sessions []stream.SessionInfo `json:"sessions"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, r.http.URL+"/sessions", &sessions))
	require.Equal(t, 1, sessions.Total)
	assert.Equal(t, conn.LocalAddr().String(), sessions.Sessions[0].Source)

	var detail stream.SessionInfo
	assert.Equal(t, http.StatusOK, getJSON(t, r.http.URL+"/sessions/"+conn.LocalAddr().String(), &detail))
	assert.Equal(t, uint64(1), detail.Datagrams)

	resp, err := http.Get(r.http.URL + "/sessions/10.0.0.1:9")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var stats struct {
		UDP ServerStatistics `json:"udp"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, r.http.URL+"/stats", &stats))
	assert.Equal(t, uint64(1), stats.UDP.PacketsProcessed)

	var cfg map[string]map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, r.http.URL+"/config", &cfg))
	assert.Equal(t, float64(r.cfg.Receiver.MaxGap), cfg["receiver"]["max_gap"])

	var root map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, r.http.URL+"/", &root))
	assert.Contains(t, root, "endpoints")

	resp, err = http.Get(r.http.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(r.http.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.HTTPErrors.WithLabelValues("POST", "/health", "client_error")))
}

func TestHTTP_LiveFeed(t *testing.T) {
	r := startReceiver(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(r.http.URL, "http") + "/api/audio/live"
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	require.Eventually(t, func() bool { return r.mgr.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn := r.dial(t)
	send(t, conn, 0, []int16{5, -5, 7})
	send(t, conn, 1, []int16{9})

	var first, second stream.Event
	require.NoError(t, wsjson.Read(ctx, ws, &first))
	require.NoError(t, wsjson.Read(ctx, ws, &second))

	assert.Equal(t, conn.LocalAddr().String(), first.Source)
	assert.Equal(t, uint32(1234), first.Peak)
	assert.Equal(t, []int16{5, -5, 7}, first.Samples)
	assert.Equal(t, uint32(1), second.Sequence)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "done"))
	require.Eventually(t, func() bool { return r.mgr.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
