package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/los3r5/ESP32/internal/audio"
	"github.com/los3r5/ESP32/internal/config"
	"github.com/los3r5/ESP32/internal/metrics"
	"github.com/los3r5/ESP32/internal/protocol"
	"github.com/los3r5/ESP32/internal/recorder"
)

// cleanupInterval is how often idle sessions are looked for
const cleanupInterval = 5 * time.Second

// subscriberBuffer is the depth of each live event channel
const subscriberBuffer = 64

var (
	// ErrNoSession is returned when no session matches the requested source
	ErrNoSession = errors.New("no active session")
	// ErrRecordingDisabled is returned by Save when recording is turned off
	ErrRecordingDisabled = errors.New("recording is disabled")
)

// Session represents the stream of one sender
type Session struct {
	ID        string
	Source    string
	StartTime time.Time

	Buffer   *audio.Buffer
	Recorder *recorder.Recorder // nil when recording is disabled
	History  *recorder.History

	// Mutable state
	mu           sync.Mutex
	lastActivity time.Time
	lastSequence uint32
	lastPeak     uint32
	datagrams    uint64
}

// SessionInfo is a snapshot of a session for monitoring
type SessionInfo struct {
	ID           string            `json:"id"`
	Source       string            `json:"source"`
	StartTime    time.Time         `json:"start_time"`
	LastActivity time.Time         `json:"last_activity"`
	Duration     string            `json:"duration"`
	Datagrams    uint64            `json:"datagrams"`
	LastSequence uint32            `json:"last_sequence"`
	LastPeak     uint32            `json:"last_peak"`
	Recordings   int               `json:"recordings"`
	Buffer       audio.BufferStats `json:"buffer"`
}

// Event is published to live subscribers for every accepted datagram
type Event struct {
	Source   string  `json:"source"`
	Sequence uint32  `json:"sequence"`
	Peak     uint32  `json:"peak"`
	Samples  []int16 `json:"samples"`
	Lost     int     `json:"lost"`
}

// Manager manages the sessions of all senders
type Manager struct {
	sessions map[string]*Session
	latest   string // source of the most recently active session
	mu       sync.RWMutex

	receiver  config.ReceiverConfig
	recording config.RecordingConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics

	subMu       sync.Mutex
	subscribers map[chan Event]struct{}
	dropped     uint64

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its cleanup routine
func NewManager(logger *slog.Logger, receiver config.ReceiverConfig, recording config.RecordingConfig, m *metrics.Metrics) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions:    make(map[string]*Session),
		receiver:    receiver,
		recording:   recording,
		logger:      logger,
		metrics:     m,
		subscribers: make(map[chan Event]struct{}),
		ctx:         ctx,
		cancel:      cancel,
		cleanup:     make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Handle routes one datagram from source into its session, creating the
// session on first sight. Stale and duplicate datagrams return
// audio.ErrStaleSequence and leave the session untouched.
func (m *Manager) Handle(source string, d *protocol.Datagram) error {
	session := m.getOrCreate(source)

	session.mu.Lock()
	lost, err := session.Buffer.Add(d.Sequence, d.Samples)
	if err != nil {
		session.mu.Unlock()
		return err
	}

	session.History.Push(d.Samples)
	session.lastActivity = time.Now()
	session.lastSequence = d.Sequence
	session.lastPeak = d.Peak
	session.datagrams++

	var url string
	if session.Recorder != nil {
		url, err = session.Recorder.Append(session.Buffer.Drain())
	} else {
		session.Buffer.Drain()
	}
	session.mu.Unlock()

	if err != nil {
		m.logger.Error("Failed to save recording",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
	} else if url != "" {
		m.logger.Debug("Recording available", slog.String("url", url))
	}

	if lost > 0 {
		m.logger.Warn("Datagrams lost",
			slog.String("source", source),
			slog.Int("lost", lost),
			slog.Uint64("sequence", uint64(d.Sequence)),
		)
		if m.metrics != nil {
			m.metrics.RecordPacketsLost(lost)
		}
	}

	m.mu.Lock()
	m.latest = source
	m.mu.Unlock()

	m.publish(Event{
		Source:   source,
		Sequence: d.Sequence,
		Peak:     d.Peak,
		Samples:  d.Samples,
		Lost:     lost,
	})
	return nil
}

func (m *Manager) getOrCreate(source string) *Session {
	m.mu.RLock()
	session, exists := m.sessions[source]
	m.mu.RUnlock()
	if exists {
		return session
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another worker may have won the race
	if session, exists := m.sessions[source]; exists {
		return session
	}

	now := time.Now()
	id := uuid.NewString()[:8]
	session = &Session{
		ID:           id,
		Source:       source,
		StartTime:    now,
		Buffer:       audio.NewBuffer(source, m.receiver.MaxGap),
		History:      recorder.NewHistory(m.recording.HistoryChunks),
		lastActivity: now,
	}
	if m.recording.Enabled {
		session.Recorder = recorder.New(m.recording, id, m.receiver.SampleRate, m.logger, m.metrics)
	}
	m.sessions[source] = session

	m.logger.Info(fmt.Sprintf("Started recording from %s", source),
		slog.String("session_id", id),
		slog.Int("sample_rate", m.receiver.SampleRate),
		slog.Bool("recording", m.recording.Enabled),
	)
	if m.metrics != nil {
		m.metrics.RecordSessionCreated()
		m.metrics.SetActiveSessions(len(m.sessions))
	}

	return session
}

// GetSession retrieves the session of a sender
func (m *Manager) GetSession(source string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[source]
	return session, exists
}

// resolve returns the named session, or the most recently active one when source is empty
func (m *Manager) resolve(source string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if source == "" {
		source = m.latest
	}
	session, exists := m.sessions[source]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrNoSession, source)
	}
	return session, nil
}

// GetActiveSessionCount returns the number of active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns snapshots of every active session
func (m *Manager) GetAllSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.GetSessionInfo())
	}
	return infos
}

// Save writes the pending recording of source now; an empty source selects
// the most recently active session. It returns "" when nothing was pending.
func (m *Manager) Save(source string) (string, error) {
	if !m.recording.Enabled {
		return "", ErrRecordingDisabled
	}

	session, err := m.resolve(source)
	if errors.Is(err, ErrNoSession) && source == "" {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if _, err := session.Recorder.Append(session.Buffer.Drain()); err != nil {
		return "", err
	}
	return session.Recorder.Save()
}

// Recent returns downsampled recent samples of source for visualisation; an
// empty source selects the most recently active session. It never returns nil.
func (m *Manager) Recent(source string, maxPoints int) ([]int16, error) {
	session, err := m.resolve(source)
	if errors.Is(err, ErrNoSession) && source == "" {
		return []int16{}, nil
	}
	if err != nil {
		return nil, err
	}
	return session.History.Recent(maxPoints), nil
}

// RemoveSession flushes and removes the session of source
func (m *Manager) RemoveSession(source string) bool {
	m.mu.Lock()
	session, exists := m.sessions[source]
	if exists {
		delete(m.sessions, source)
		if m.latest == source {
			m.latest = ""
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		return false
	}

	m.finalize(session)

	info := session.GetSessionInfo()
	m.logger.Info("Session removed",
		slog.String("source", source),
		slog.String("session_id", session.ID),
		slog.String("duration", info.Duration),
		slog.Uint64("datagrams", info.Datagrams),
		slog.Uint64("lost", info.Buffer.LostPackets),
	)
	if m.metrics != nil {
		m.metrics.RecordSessionDestroyed(time.Since(session.StartTime).Seconds())
		m.metrics.SetActiveSessions(count)
	}
	return true
}

// finalize releases whatever the buffer still holds and saves the recording
func (m *Manager) finalize(session *Session) {
	session.mu.Lock()
	defer session.mu.Unlock()

	samples := session.Buffer.Flush()
	if session.Recorder == nil {
		return
	}
	if _, err := session.Recorder.Append(samples); err != nil {
		m.logger.Error("Failed to save recording",
			slog.String("source", session.Source),
			slog.String("error", err.Error()),
		)
		return
	}
	if _, err := session.Recorder.Save(); err != nil {
		m.logger.Error("Failed to save final recording",
			slog.String("source", session.Source),
			slog.String("error", err.Error()),
		)
	}
}

// Subscribe registers a live event listener. Events are dropped for a
// subscriber that falls behind. The returned function unsubscribes.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subscribers, ch)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(event Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			m.dropped++
		}
	}
}

// Subscribers returns the number of live event listeners
func (m *Manager) Subscribers() int {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return len(m.subscribers)
}

// Stop stops the cleanup routine and flushes every remaining session
func (m *Manager) Stop() {
	m.logger.Info("Stopping stream manager...")

	// Cancel context to stop cleanup routine
	m.cancel()

	// Wait for cleanup routine to finish
	<-m.cleanup

	m.mu.RLock()
	sources := make([]string, 0, len(m.sessions))
	for source := range m.sessions {
		sources = append(sources, source)
	}
	m.mu.RUnlock()

	for _, source := range sources {
		m.RemoveSession(source)
	}

	m.subMu.Lock()
	dropped := m.dropped
	m.subMu.Unlock()

	m.logger.Info("Stream manager stopped",
		slog.Int("flushed_sessions", len(sources)),
		slog.Uint64("dropped_live_events", dropped),
	)
}

func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	timeout := m.receiver.GetSessionTimeoutDuration()
	m.logger.Info("Stream cleanup routine started",
		slog.Duration("timeout", timeout),
		slog.Duration("check_interval", cleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Stream cleanup routine stopping")
			return

		case now := <-ticker.C:
			m.cleanupExpiredSessions(now, timeout)
		}
	}
}

func (m *Manager) cleanupExpiredSessions(now time.Time, timeout time.Duration) int {
	expired := make([]string, 0)

	// Find expired sessions
	m.mu.RLock()
	for source, session := range m.sessions {
		session.mu.Lock()
		lastActivity := session.lastActivity
		session.mu.Unlock()

		if now.Sub(lastActivity) > timeout {
			expired = append(expired, source)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expired)),
		)
		for _, source := range expired {
			m.RemoveSession(source)
		}
	}
	return len(expired)
}

// GetSessionInfo returns a snapshot of the session
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:           s.ID,
		Source:       s.Source,
		StartTime:    s.StartTime,
		LastActivity: s.lastActivity,
		Duration:     s.lastActivity.Sub(s.StartTime).Round(time.Millisecond).String(),
		Datagrams:    s.datagrams,
		LastSequence: s.lastSequence,
		LastPeak:     s.lastPeak,
		Buffer:       s.Buffer.GetStats(),
	}
	if s.Recorder != nil {
		info.Recordings = s.Recorder.Saved()
	}
	return info
}

// LastActivity returns when the session last accepted a datagram
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
