package stream

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/los3r5/ESP32/internal/audio"
	"github.com/los3r5/ESP32/internal/config"
	"github.com/los3r5/ESP32/internal/metrics"
	"github.com/los3r5/ESP32/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// createTestConfigs returns receiver and recording settings writing into a temp dir
func createTestConfigs(t *testing.T) (config.ReceiverConfig, config.RecordingConfig) {
	t.Helper()
	cfg := config.Default()
	cfg.Receiver.MaxGap = 4
	cfg.Recording.Directory = t.TempDir()
	cfg.Recording.Enabled = true
	return cfg.Receiver, cfg.Recording
}

func datagram(seq uint32, n int) *protocol.Datagram {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(seq)
	}
	return &protocol.Datagram{
		Header:  protocol.Header{Sequence: seq, Peak: seq * 10},
		Samples: samples,
	}
}

func TestNewManager(t *testing.T) {
	receiver, recording := createTestConfigs(t)
	mgr := NewManager(testLogger(), receiver, recording, nil)
	defer mgr.Stop()

	if mgr == nil {
		t.Fatal("NewManager returned nil")
	}
	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", mgr.GetActiveSessionCount())
	}
}

func TestHandleCreatesSession(t *testing.T) {
	receiver, recording := createTestConfigs(t)
	mgr := NewManager(testLogger(), receiver, recording, nil)
	defer mgr.Stop()

	source := "192.168.1.50:40000"
	if err := mgr.Handle(source, datagram(7, 256)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	session, exists := mgr.GetSession(source)
	if !exists {
		t.Fatal("Session was not created")
	}
	if session.Source != source {
		t.Errorf("Expected source %s, got %s", source, session.Source)
	}
	if len(session.ID) != 8 {
		t.Errorf("Expected 8 character session id, got %q", session.ID)
	}
	if session.Recorder == nil {
		t.Fatal("Expected a recorder when recording is enabled")
	}
	if session.Recorder.Pending() != 256 {
		t.Errorf("Expected 256 pending samples, got %d", session.Recorder.Pending())
	}

	info := session.GetSessionInfo()
	if info.Datagrams != 1 || info.LastSequence != 7 || info.LastPeak != 70 {
		t.Errorf("Unexpected session info: %+v", info)
	}

	// a second datagram from the same sender reuses the session
	if err := mgr.Handle(source, datagram(8, 256)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if mgr.GetActiveSessionCount() != 1 {
		t.Errorf("Expected 1 session, got %d", mgr.GetActiveSessionCount())
	}

	// a different port is a different sender
	if err := mgr.Handle("192.168.1.50:40001", datagram(1, 16)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if mgr.GetActiveSessionCount() != 2 {
		t.Errorf("Expected 2 sessions, got %d", mgr.GetActiveSessionCount())
	}
}

func TestHandleReordersIntoRecorder(t *testing.T) {
	receiver, recording := createTestConfigs(t)
	mgr := NewManager(testLogger(), receiver, recording, nil)
	defer mgr.Stop()

	source := "10.0.0.2:5000"
	for _, seq := range []uint32{1, 3, 2} {
		if err := mgr.Handle(source, datagram(seq, 10)); err != nil {
			t.Fatalf("Handle %d failed: %v", seq, err)
		}
	}

	err := mgr.Handle(source, datagram(2, 10))
	if !errors.Is(err, audio.ErrStaleSequence) {
		t.Errorf("Expected ErrStaleSequence for duplicate, got %v", err)
	}

	url, err := mgr.Save(source)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !strings.HasPrefix(url, "/recordings/audio_") || !strings.HasSuffix(url, ".wav") {
		t.Fatalf("Unexpected recording url %q", url)
	}

	data, err := os.ReadFile(filepath.Join(recording.Directory, strings.TrimPrefix(url, "/recordings/")))
	if err != nil {
		t.Fatalf("Failed to read recording: %v", err)
	}
	samples, _, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if len(samples) != 30 {
		t.Fatalf("Expected 30 recorded samples, got %d", len(samples))
	}
	for i, want := range []int16{1, 2, 3} {
		if samples[i*10] != want {
			t.Errorf("Block %d: expected marker %d, got %d", i, want, samples[i*10])
		}
	}
}

func TestSaveAndRecentDefaultToLatest(t *testing.T) {
	receiver, recording := createTestConfigs(t)
	mgr := NewManager(testLogger(), receiver, recording, nil)
	defer mgr.Stop()

	// nothing received yet
	url, err := mgr.Save("")
	if err != nil || url != "" {
		t.Errorf("Expected empty save without sessions, got %q, %v", url, err)
	}
	recent, err := mgr.Recent("", 1000)
	if err != nil || recent == nil || len(recent) != 0 {
		t.Errorf("Expected empty non-nil data, got %v, %v", recent, err)
	}

	if _, err := mgr.Recent("1.2.3.4:5", 1000); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession for unknown source, got %v", err)
	}

	if err := mgr.Handle("a:1", datagram(1, 100)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if err := mgr.Handle("b:2", datagram(1, 50)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	recent, err = mgr.Recent("", 1000)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 50 {
		t.Errorf("Expected the latest sender's 50 samples, got %d", len(recent))
	}

	url, err = mgr.Save("")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	session, _ := mgr.GetSession("b:2")
	if url == "" || !strings.Contains(url, session.ID) {
		t.Errorf("Expected url naming session %s, got %q", session.ID, url)
	}
}

func TestSaveRecordingDisabled(t *testing.T) {
	receiver, recording := createTestConfigs(t)
	recording.Enabled = false
	mgr := NewManager(testLogger(), receiver, recording, nil)
	defer mgr.Stop()

	if err := mgr.Handle("a:1", datagram(1, 10)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	session, _ := mgr.GetSession("a:1")
	if session.Recorder != nil {
		t.Error("Expected no recorder when recording is disabled")
	}
	if session.Buffer.Size() != 0 {
		t.Errorf("Expected buffer to be drained, got %d samples", session.Buffer.Size())
	}
	if _, err := mgr.Save("a:1"); !errors.Is(err, ErrRecordingDisabled) {
		t.Errorf("Expected ErrRecordingDisabled, got %v", err)
	}
}

func TestSubscribe(t *testing.T) {
	receiver, recording := createTestConfigs(t)
	mgr := NewManager(testLogger(), receiver, recording, nil)
	defer mgr.Stop()

	events, unsubscribe := mgr.Subscribe()
	if mgr.Subscribers() != 1 {
		t.Errorf("Expected 1 subscriber, got %d", mgr.Subscribers())
	}

	if err := mgr.Handle("a:1", datagram(1, 4)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if err := mgr.Handle("a:1", datagram(10, 4)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	first := <-events
	if first.Source != "a:1" || first.Sequence != 1 || first.Peak != 10 || len(first.Samples) != 4 {
		t.Errorf("Unexpected first event: %+v", first)
	}
	second := <-events
	if second.Lost != 8 {
		t.Errorf("Expected 8 lost in second event, got %d", second.Lost)
	}

	unsubscribe()
	unsubscribe()
	if _, open := <-events; open {
		t.Error("Expected channel closed after unsubscribe")
	}
	if mgr.Subscribers() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", mgr.Subscribers())
	}

	// publishing without listeners must not block
	if err := mgr.Handle("a:1", datagram(11, 4)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	receiver, recording := createTestConfigs(t)
	mgr := NewManager(testLogger(), receiver, recording, nil)
	defer mgr.Stop()

	_, unsubscribe := mgr.Subscribe()
	defer unsubscribe()

	for seq := uint32(0); seq < subscriberBuffer*2; seq++ {
		if err := mgr.Handle("a:1", datagram(seq, 2)); err != nil {
			t.Fatalf("Handle %d failed: %v", seq, err)
		}
	}

	mgr.subMu.Lock()
	dropped := mgr.dropped
	mgr.subMu.Unlock()
	if dropped != subscriberBuffer {
		t.Errorf("Expected %d dropped events, got %d", subscriberBuffer, dropped)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	receiver, recording := createTestConfigs(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	mgr := NewManager(testLogger(), receiver, recording, m)
	defer mgr.Stop()

	if err := mgr.Handle("a:1", datagram(1, 160)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	// waits for 2, still pending in the buffer
	if err := mgr.Handle("a:1", datagram(3, 160)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	timeout := receiver.GetSessionTimeoutDuration()
	if n := mgr.cleanupExpiredSessions(time.Now(), timeout); n != 0 {
		t.Errorf("Expected no expired sessions yet, got %d", n)
	}

	if n := mgr.cleanupExpiredSessions(time.Now().Add(timeout+time.Second), timeout); n != 1 {
		t.Fatalf("Expected 1 expired session, got %d", n)
	}
	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 sessions after cleanup, got %d", mgr.GetActiveSessionCount())
	}

	entries, err := os.ReadDir(recording.Directory)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 recording flushed on expiry, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(recording.Directory, entries[0].Name()))
	if err != nil {
		t.Fatalf("Failed to read recording: %v", err)
	}
	samples, _, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if len(samples) != 320 {
		t.Errorf("Expected pending datagram flushed into the recording, got %d samples", len(samples))
	}

	if got := testutil.ToFloat64(m.SessionsCreated); got != 1 {
		t.Errorf("Expected 1 session created, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsDestroyed); got != 1 {
		t.Errorf("Expected 1 session destroyed, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 0 {
		t.Errorf("Expected 0 active sessions, got %v", got)
	}
	if got := testutil.ToFloat64(m.RecordingsSaved); got != 1 {
		t.Errorf("Expected 1 recording saved, got %v", got)
	}
}

func TestRemoveSession(t *testing.T) {
	receiver, recording := createTestConfigs(t)
	mgr := NewManager(testLogger(), receiver, recording, nil)
	defer mgr.Stop()

	if mgr.RemoveSession("missing:1") {
		t.Error("Expected false removing an unknown session")
	}
	if err := mgr.Handle("a:1", datagram(1, 10)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !mgr.RemoveSession("a:1") {
		t.Error("Expected true removing an existing session")
	}
	if _, exists := mgr.GetSession("a:1"); exists {
		t.Error("Session still present after removal")
	}
}

func TestStopFlushesSessions(t *testing.T) {
	receiver, recording := createTestConfigs(t)
	mgr := NewManager(testLogger(), receiver, recording, nil)

	for _, source := range []string{"a:1", "b:2"} {
		if err := mgr.Handle(source, datagram(1, 10)); err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
	}
	mgr.Stop()

	entries, err := os.ReadDir(recording.Directory)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 recordings after stop, got %d", len(entries))
	}
}

func TestConcurrentHandle(t *testing.T) {
	receiver, recording := createTestConfigs(t)
	receiver.MaxGap = 64
	recording.Enabled = false
	mgr := NewManager(testLogger(), receiver, recording, nil)
	defer mgr.Stop()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for seq := uint32(w); seq < 200; seq += 4 {
				if err := mgr.Handle("a:1", datagram(seq, 8)); err != nil && !errors.Is(err, audio.ErrStaleSequence) {
					t.Errorf("Handle %d failed: %v", seq, err)
				}
			}
		}(w)
	}
	wg.Wait()

	if mgr.GetActiveSessionCount() != 1 {
		t.Errorf("Expected exactly 1 session, got %d", mgr.GetActiveSessionCount())
	}
	info := mgr.GetAllSessions()[0]
	if info.Buffer.TotalPackets != 200 {
		t.Errorf("Expected 200 datagrams seen, got %d", info.Buffer.TotalPackets)
	}
}
