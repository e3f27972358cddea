package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/dronewatch/internal/monitoring"
)

// maxDatagram is the largest payload read from one datagram. CoT events and
// JSON message packs fit comfortably.
const maxDatagram = 64 * 1024

// UDPConfig configures the datagram listener. A multicast group address
// (for example the TAK default 239.2.3.1:6969) joins the group on Interface,
// or on the system default interface when Interface is empty.
type UDPConfig struct {
	Address    string
	Interface  string
	ReadBuffer int
}

// UDPSource treats each datagram as one payload.
type UDPSource struct {
	counters
	cfg UDPConfig
	ing Ingestor

	connMu sync.RWMutex
	conn   *net.UDPConn
}

func NewUDPSource(cfg UDPConfig, ing Ingestor) *UDPSource {
	return &UDPSource{cfg: cfg, ing: ing}
}

func (s *UDPSource) Name() string { return "udp" }

// Listen binds the socket. Run calls it when it has not been called yet.
func (s *UDPSource) Listen() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	var conn *net.UDPConn
	if addr.IP != nil && addr.IP.IsMulticast() {
		var ifi *net.Interface
		if s.cfg.Interface != "" {
			if ifi, err = net.InterfaceByName(s.cfg.Interface); err != nil {
				return fmt.Errorf("multicast interface %s: %w", s.cfg.Interface, err)
			}
		}
		conn, err = net.ListenMulticastUDP("udp", ifi, addr)
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if s.cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(s.cfg.ReadBuffer); err != nil {
			monitoring.Logf("[ingest/udp] failed to set receive buffer to %d: %v", s.cfg.ReadBuffer, err)
		}
	}
	s.conn = conn
	return nil
}

// LocalAddr returns the bound address, or nil before Listen.
func (s *UDPSource) LocalAddr() net.Addr {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *UDPSource) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	defer conn.Close()

	monitoring.Logf("[ingest/udp] listening on %s", conn.LocalAddr())
	s.ing.SetTransportState(s.Name(), true)
	defer s.ing.SetTransportState(s.Name(), false)

	buffer := make([]byte, maxDatagram)
	var deadlineErrLogged bool
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A short deadline lets the loop notice cancellation.
		if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil && !deadlineErrLogged {
			monitoring.Logf("[ingest/udp] failed to set read deadline: %v", err)
			deadlineErrLogged = true
		}
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			monitoring.Logf("[ingest/udp] read error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buffer[:n])
		_ = s.deliver(ctx, s.ing, s.Name(), payload)
	}
}
