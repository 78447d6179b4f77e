package media

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	// RTP payload types accepted from callers.
	PayloadPCMU = 0
	PayloadPCMA = 8

	// maxRTPPacket is the maximum UDP packet size we handle.
	maxRTPPacket = 1500

	// readTimeout lets the read loop notice Stop.
	readTimeout = 100 * time.Millisecond
)

// Sink receives validated RTP packets for a line. The packet buffer is only
// valid for the duration of the call.
type Sink interface {
	Forward(lineID int, packet []byte)
}

// ReceiverStats counts what a receiver has seen.
type ReceiverStats struct {
	Packets uint64
	Bytes   uint64
	Dropped uint64
}

// Receiver reads the inbound RTP stream of one call leg and hands each
// packet to the sink under the leg's line id.
type Receiver struct {
	lineID int
	conn   *net.UDPConn
	sink   Sink
	logger *slog.Logger

	allowedPT map[uint8]struct{}
	remote    atomic.Pointer[net.UDPAddr]

	packets atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64

	stopped  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReceiver creates a receiver for lineID reading from conn. Only the
// listed payload types are forwarded; an empty list accepts PCMU and PCMA.
func NewReceiver(lineID int, conn *net.UDPConn, sink Sink, payloadTypes []uint8, logger *slog.Logger) *Receiver {
	if len(payloadTypes) == 0 {
		payloadTypes = []uint8{PayloadPCMU, PayloadPCMA}
	}
	allowed := make(map[uint8]struct{}, len(payloadTypes))
	for _, pt := range payloadTypes {
		allowed[pt] = struct{}{}
	}
	return &Receiver{
		lineID:    lineID,
		conn:      conn,
		sink:      sink,
		allowedPT: allowed,
		logger:    logger.With("subsystem", "rtp-receiver", "line", lineID),
	}
}

// Start launches the read loop. It does not block.
func (r *Receiver) Start() {
	r.wg.Add(1)
	go r.readLoop()
	r.logger.Debug("rtp receiver started", "local", r.conn.LocalAddr().String())
}

// Stop ends the read loop and waits for it. It is safe to call more than
// once.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		r.wg.Wait()
		stats := r.Stats()
		r.logger.Debug("rtp receiver stopped",
			"packets", stats.Packets,
			"bytes", stats.Bytes,
			"dropped", stats.Dropped,
		)
	})
}

// Stats returns the receiver counters.
func (r *Receiver) Stats() ReceiverStats {
	return ReceiverStats{
		Packets: r.packets.Load(),
		Bytes:   r.bytes.Load(),
		Dropped: r.dropped.Load(),
	}
}

// Remote returns the source address of the stream, learned from the first
// valid packet, or nil.
func (r *Receiver) Remote() *net.UDPAddr {
	return r.remote.Load()
}

func (r *Receiver) readLoop() {
	defer r.wg.Done()

	buf := make([]byte, maxRTPPacket)
	var hdr rtp.Header
	for !r.stopped.Load() {
		r.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			r.logger.Debug("rtp read error", "error", err)
			continue
		}

		pkt := buf[:n]
		if _, err := hdr.Unmarshal(pkt); err != nil || hdr.Version != 2 {
			r.dropped.Add(1)
			continue
		}
		if _, ok := r.allowedPT[hdr.PayloadType]; !ok {
			r.dropped.Add(1)
			continue
		}

		if r.remote.Load() == nil {
			r.remote.Store(src)
			r.logger.Info("rtp stream learned", "remote", src.String(), "ssrc", hdr.SSRC)
		}

		r.sink.Forward(r.lineID, pkt)
		r.packets.Add(1)
		r.bytes.Add(uint64(n))
	}
}
