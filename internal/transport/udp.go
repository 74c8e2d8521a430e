// Package transport sends framed datagrams to the receiver.
package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
)

// Sender hands one datagram at a time to the network.
// Delivery is fire-and-forget: no retry, no acknowledgement.
type Sender interface {
	Send(datagram []byte) error
	Close() error
}

// UDPSender writes datagrams to a fixed remote address
type UDPSender struct {
	conn   *net.UDPConn
	remote string

	sent   atomic.Uint64
	failed atomic.Uint64
}

// SenderStats counts send attempts
type SenderStats struct {
	Remote string `json:"remote"`
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

// DialUDP resolves address:port and connects a UDP socket to it
func DialUDP(address string, port int) (*UDPSender, error) {
	remote := net.JoinHostPort(address, strconv.Itoa(port))

	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address %s: %w", remote, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial UDP %s: %w", remote, err)
	}

	return &UDPSender{conn: conn, remote: remote}, nil
}

// Send writes the datagram in a single packet
func (s *UDPSender) Send(datagram []byte) error {
	n, err := s.conn.Write(datagram)
	if err != nil {
		s.failed.Add(1)
		return fmt.Errorf("failed to send datagram to %s: %w", s.remote, err)
	}
	if n != len(datagram) {
		s.failed.Add(1)
		return fmt.Errorf("short write to %s: %d of %d bytes", s.remote, n, len(datagram))
	}
	s.sent.Add(1)
	return nil
}

// LocalAddr returns the local end of the socket
func (s *UDPSender) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Stats returns the send counters
func (s *UDPSender) Stats() SenderStats {
	return SenderStats{
		Remote: s.remote,
		Sent:   s.sent.Load(),
		Failed: s.failed.Load(),
	}
}

// Close closes the socket
func (s *UDPSender) Close() error {
	return s.conn.Close()
}
