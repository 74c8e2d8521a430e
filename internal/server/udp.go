package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/los3r5/ESP32/internal/audio"
	"github.com/los3r5/ESP32/internal/config"
	"github.com/los3r5/ESP32/internal/metrics"
	"github.com/los3r5/ESP32/internal/protocol"
	"github.com/los3r5/ESP32/internal/stream"
)

// readTimeout bounds each blocking read so the loop notices shutdown
const readTimeout = time.Second

// UDPServer receives audio datagrams from the devices
type UDPServer struct {
	conn      *net.UDPConn
	config    *config.ReceiverConfig
	logger    *slog.Logger
	streamMgr *stream.Manager
	metrics   *metrics.Metrics

	// Concurrency management
	ctx       context.Context
	cancel    context.CancelFunc
	receiveWg sync.WaitGroup
	workerWg  sync.WaitGroup

	// Packet processing
	packetChan chan *incomingPacket

	// Counters
	packetsReceived  uint64
	packetsProcessed uint64
	parseErrors      uint64
	staleDatagrams   uint64
	queueDrops       uint64
	mu               sync.RWMutex
}

// incomingPacket represents a received UDP datagram with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// NewUDPServer creates a new UDP server instance. m may be nil.
func NewUDPServer(cfg *config.ReceiverConfig, logger *slog.Logger, streamMgr *stream.Manager, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &UDPServer{
		config:     cfg,
		logger:     logger,
		streamMgr:  streamMgr,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		packetChan: make(chan *incomingPacket, cfg.QueueSize),
	}
}

// Start begins listening for datagrams
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.UDPPort)))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server listening",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.Int("workers", s.config.Workers),
		slog.Int("queue_size", s.config.QueueSize),
	)

	for i := 0; i < s.config.Workers; i++ {
		s.workerWg.Add(1)
		go s.packetProcessor(i)
	}

	s.receiveWg.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound local address, or nil before Start
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop gracefully stops the UDP server. Datagrams already queued are processed.
func (s *UDPServer) Stop() error {
	s.logger.Info("Stopping UDP server...")

	s.cancel()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	// The receive loop is the only sender on packetChan
	s.receiveWg.Wait()
	close(s.packetChan)
	s.workerWg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("queue_drops", stats.QueueDrops),
	)

	return nil
}

// receiveLoop is the main datagram receiving loop
func (s *UDPServer) receiveLoop() {
	defer s.receiveWg.Done()

	buffer := make([]byte, protocol.MaxDatagramSize+1)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("Receive loop stopping due to context cancellation")
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP datagram", slog.String("error", err.Error()))
				continue
			}
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordPacketReceived()
		}

		// buffer is reused by the next read
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		select {
		case s.packetChan <- packet:
		default:
			s.mu.Lock()
			s.queueDrops++
			s.mu.Unlock()
			s.logger.Warn("Datagram processing queue full, dropping datagram",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("datagram_size", n),
			)
		}
		if s.metrics != nil {
			s.metrics.SetQueueSize(len(s.packetChan))
		}
	}
}

// packetProcessor processes datagrams from the packet channel
func (s *UDPServer) packetProcessor(workerID int) {
	defer s.workerWg.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range s.packetChan {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

// handlePacket decodes a single datagram and routes it to its session
func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	source := packet.remoteAddr.String()

	datagram, err := protocol.Decode(packet.data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordParseError()
		}

		s.logger.Error("Failed to parse datagram",
			slog.String("remote_addr", source),
			slog.Int("datagram_size", len(packet.data)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	if err := s.streamMgr.Handle(source, datagram); err != nil {
		if errors.Is(err, audio.ErrStaleSequence) {
			s.mu.Lock()
			s.staleDatagrams++
			s.mu.Unlock()
			s.logger.Debug("Dropping stale datagram",
				slog.String("remote_addr", source),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.Error("Failed to handle datagram",
			slog.String("remote_addr", source),
			slog.Uint64("sequence", uint64(datagram.Sequence)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordPacketProcessed()
	}

	s.logger.Debug("Datagram processed",
		slog.String("remote_addr", source),
		slog.Uint64("sequence", uint64(datagram.Sequence)),
		slog.Uint64("peak", uint64(datagram.Peak)),
		slog.Int("samples", len(datagram.Samples)),
		slog.Duration("queued", time.Since(packet.timestamp)),
		slog.Int("worker_id", workerID),
	)
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		ParseErrors:      s.parseErrors,
		StaleDatagrams:   s.staleDatagrams,
		QueueDrops:       s.queueDrops,
		ActiveStreams:    uint64(s.streamMgr.GetActiveSessionCount()),
		QueueSize:        uint64(len(s.packetChan)),
		QueueCapacity:    uint64(cap(s.packetChan)),
	}
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	ParseErrors      uint64 `json:"parse_errors"`
	StaleDatagrams   uint64 `json:"stale_datagrams"`
	QueueDrops       uint64 `json:"queue_drops"`
	ActiveStreams    uint64 `json:"active_streams"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}
