package clock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// packetSize is the size of a net time exchange: the requester's local
// time followed by the provider's remote time, both big-endian nanoseconds.
const packetSize = 16

// timeNone marks an unset timestamp on the wire
const timeNone = ^uint64(0)

type timePacket struct {
	local  time.Duration
	remote time.Duration
	hasRem bool
}

func (p timePacket) marshal() []byte {
	buf := make([]byte, packetSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(p.local))
	if p.hasRem {
		binary.BigEndian.PutUint64(buf[8:16], uint64(p.remote))
	} else {
		binary.BigEndian.PutUint64(buf[8:16], timeNone)
	}
	return buf
}

func unmarshalTimePacket(b []byte) (timePacket, error) {
	if len(b) < packetSize {
		return timePacket{}, fmt.Errorf("short time packet: %d bytes", len(b))
	}
	p := timePacket{local: time.Duration(binary.BigEndian.Uint64(b[0:8]))}
	if r := binary.BigEndian.Uint64(b[8:16]); r != timeNone {
		p.remote = time.Duration(r)
		p.hasRem = true
	}
	return p, nil
}

// NetSource exchanges time packets with a TimeProvider over UDP
type NetSource struct {
	mu     sync.Mutex
	conn   *net.UDPConn
	anchor time.Time
}

// NewNetSource resolves and connects to a provider at address:port
func NewNetSource(address string, port int) (*NetSource, error) {
	addr, err := net.ResolveUDPAddr("udp", hostPort(address, port))
	if err != nil {
		return nil, fmt.Errorf("resolve time provider: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial time provider: %w", err)
	}
	return &NetSource{conn: conn, anchor: time.Now()}, nil
}

// Query sends one request and waits for the matching reply. Replies to
// earlier requests are discarded.
func (s *NetSource) Query(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return Sample{}, err
	}

	sent := localTime(s.anchor)
	if _, err := s.conn.Write(timePacket{local: sent}.marshal()); err != nil {
		return Sample{}, fmt.Errorf("send time request: %w", err)
	}

	buf := make([]byte, 64)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return Sample{}, fmt.Errorf("read time reply: %w", err)
		}
		recv := localTime(s.anchor)

		pkt, err := unmarshalTimePacket(buf[:n])
		if err != nil || pkt.local != sent || !pkt.hasRem {
			continue
		}

		rtt := recv - sent
		return Sample{
			Offset: pkt.remote - (sent + rtt/2),
			RTT:    rtt,
		}, nil
	}
}

func (s *NetSource) Close() error {
	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
