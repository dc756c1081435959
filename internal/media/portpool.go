package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// PortPair holds an RTP port and its companion RTCP port (RTP+1).
type PortPair struct {
	RTP  int
	RTCP int
}

// SocketPair holds the UDP sockets bound for one call's media. RTCP is
// bound only to reserve the port; nothing reads it.
type SocketPair struct {
	Ports    PortPair
	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn
}

// Close releases both UDP sockets.
func (sp *SocketPair) Close() error {
	var rtpErr, rtcpErr error
	if sp.RTPConn != nil {
		rtpErr = sp.RTPConn.Close()
	}
	if sp.RTCPConn != nil {
		rtcpErr = sp.RTCPConn.Close()
	}
	if rtpErr != nil {
		return rtpErr
	}
	return rtcpErr
}

// PortPool hands out even RTP ports (plus the odd RTCP port above each)
// from a fixed range, skipping ports another process holds.
type PortPool struct {
	portMin int
	portMax int
	bindIP  net.IP
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{}
	nextPort  int
}

// NewPortPool creates a pool over [portMin, portMax]. portMin must be even.
func NewPortPool(portMin, portMax int, logger *slog.Logger) (*PortPool, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("portMin must be even, got %d", portMin)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
	}

	return &PortPool{
		portMin:   portMin,
		portMax:   portMax,
		bindIP:    net.IPv4zero,
		logger:    logger.With("subsystem", "rtp-ports"),
		allocated: make(map[int]struct{}),
		nextPort:  portMin,
	}, nil
}

// Capacity returns the number of port pairs in the range.
func (p *PortPool) Capacity() int {
	return (p.portMax - p.portMin + 1) / 2
}

// InUse returns the number of allocated port pairs.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Allocate binds the next free RTP/RTCP socket pair.
func (p *PortPool) Allocate() (*SocketPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := p.Capacity()
	if len(p.allocated) >= capacity {
		return nil, fmt.Errorf("no rtp ports available (all %d pairs allocated)", capacity)
	}

	for tried := 0; tried < capacity; tried++ {
		port := p.nextPort
		p.nextPort += 2
		if p.nextPort > p.portMax-1 {
			p.nextPort = p.portMin
		}

		if _, taken := p.allocated[port]; taken {
			continue
		}

		pair, err := bindPair(p.bindIP, port)
		if err != nil {
			p.logger.Debug("port pair bind failed, trying next", "rtp_port", port, "error", err)
			continue
		}

		p.allocated[port] = struct{}{}
		p.logger.Debug("port pair allocated", "rtp_port", port, "in_use", len(p.allocated))
		return pair, nil
	}
	return nil, fmt.Errorf("no bindable rtp ports in %d-%d", p.portMin, p.portMax)
}

// Release closes the sockets and returns the pair to the pool.
func (p *PortPool) Release(pair *SocketPair) {
	if pair == nil {
		return
	}
	if err := pair.Close(); err != nil {
		p.logger.Warn("error closing socket pair", "rtp_port", pair.Ports.RTP, "error", err)
	}

	p.mu.Lock()
	delete(p.allocated, pair.Ports.RTP)
	p.mu.Unlock()
}

// bindPair binds rtpPort and rtpPort+1; if either fails both are closed.
func bindPair(ip net.IP, rtpPort int) (*SocketPair, error) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: rtpPort})
	if err != nil {
		return nil, fmt.Errorf("binding rtp port %d: %w", rtpPort, err)
	}

	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: rtpPort + 1})
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("binding rtcp port %d: %w", rtpPort+1, err)
	}

	return &SocketPair{
		Ports:    PortPair{RTP: rtpPort, RTCP: rtpPort + 1},
		RTPConn:  rtpConn,
		RTCPConn: rtcpConn,
	}, nil
}
