package audio

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// Outputs holds the channel sinks opened by DialUDPOutputs.
type Outputs struct {
	Writers map[int]io.Writer
	conns   []net.Conn
}

// DialUDPOutputs opens a connected UDP socket for every channel that has a
// destination address. The sockets carry RTP to the studio mixer inputs.
func DialUDPOutputs(destinations map[int]string) (*Outputs, error) {
	out := &Outputs{Writers: make(map[int]io.Writer, len(destinations))}
	for ch, addr := range destinations {
		if addr == "" {
			continue
		}
		conn, err := net.Dial("udp", addr)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("dialing channel %d output %s: %w", ch, addr, err)
		}
		out.Writers[ch] = conn
		out.conns = append(out.conns, conn)
	}
	return out, nil
}

// Close closes every output socket.
func (o *Outputs) Close() error {
	var errs []error
	for _, c := range o.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	o.conns = nil
	return errors.Join(errs...)
}
