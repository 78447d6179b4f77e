package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// ErrNoPorts is returned when every RTP port pair in the range is in use.
var ErrNoPorts = errors.New("no rtp ports available")

// PortPair holds an RTP port and its companion RTCP port (RTP+1).
type PortPair struct {
	RTP  int
	RTCP int
}

// SocketPair holds the UDP connections for an RTP/RTCP port pair.
type SocketPair struct {
	Ports    PortPair
	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn
}

// Close releases both UDP sockets.
func (sp *SocketPair) Close() error {
	var errs []error
	if sp.RTPConn != nil {
		errs = append(errs, sp.RTPConn.Close())
	}
	if sp.RTCPConn != nil {
		errs = append(errs, sp.RTCPConn.Close())
	}
	return errors.Join(errs...)
}

// PortPool hands out RTP/RTCP socket pairs for call legs. RTP ports are
// even; RTCP is the next odd port.
type PortPool struct {
	bindIP  net.IP
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{}
	nextPort  int
}

// NewPortPool creates a pool over [portMin, portMax] bound on bindIP. A nil
// bindIP listens on all interfaces.
func NewPortPool(bindIP net.IP, portMin, portMax int, logger *slog.Logger) (*PortPool, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("rtp port min must be even, got %d", portMin)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("rtp port max (%d) must be greater than min (%d)", portMax, portMin)
	}
	if bindIP == nil {
		bindIP = net.IPv4zero
	}

	l := logger.With("subsystem", "rtp-ports")
	p := &PortPool{
		bindIP:    bindIP,
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		allocated: make(map[int]struct{}),
		nextPort:  portMin,
	}
	l.Info("rtp port pool initialized",
		"port_min", portMin,
		"port_max", portMax,
		"capacity", p.Capacity(),
	)
	return p, nil
}

// Capacity returns the number of port pairs in the range.
func (p *PortPool) Capacity() int {
	return (p.portMax - p.portMin + 1) / 2
}

// InUse returns the number of allocated pairs.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Allocate binds the next free RTP/RTCP pair. Ports that another process
// holds are skipped.
func (p *PortPool) Allocate() (*SocketPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := p.Capacity()
	if len(p.allocated) >= capacity {
		return nil, fmt.Errorf("all %d pairs allocated: %w", capacity, ErrNoPorts)
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

		pair, err := p.bindPair(port)
		if err != nil {
			p.logger.Debug("port pair bind failed, trying next", "rtp_port", port, "error", err)
			continue
		}

		p.allocated[port] = struct{}{}
		p.logger.Debug("port pair allocated",
			"rtp_port", port,
			"rtcp_port", port+1,
			"allocated", len(p.allocated),
		)
		return pair, nil
	}
	return nil, fmt.Errorf("no bindable pair in %d-%d: %w", p.portMin, p.portMax, ErrNoPorts)
}

// Release closes the sockets and returns the pair to the pool. A nil pair
// is ignored.
func (p *PortPool) Release(pair *SocketPair) {
	if pair == nil {
		return
	}
	if err := pair.Close(); err != nil {
		p.logger.Warn("error closing socket pair", "rtp_port", pair.Ports.RTP, "error", err)
	}

	p.mu.Lock()
	delete(p.allocated, pair.Ports.RTP)
	count := len(p.allocated)
	p.mu.Unlock()

	p.logger.Debug("port pair released", "rtp_port", pair.Ports.RTP, "allocated", count)
}

// bindPair opens the RTP socket on rtpPort and RTCP on rtpPort+1. If either
// bind fails, both are closed.
func (p *PortPool) bindPair(rtpPort int) (*SocketPair, error) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: p.bindIP, Port: rtpPort})
	if err != nil {
		return nil, fmt.Errorf("binding rtp port %d: %w", rtpPort, err)
	}

	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: p.bindIP, Port: rtpPort + 1})
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
