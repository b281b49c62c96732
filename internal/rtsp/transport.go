package rtsp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/headers"
	"github.com/hashicorp/go-hclog"
	"github.com/pion/rtcp"
)

// TransportKind is the lower transport a client set up
type TransportKind int

const (
	TransportUDP TransportKind = iota
	TransportTCP
)

func (k TransportKind) String() string {
	if k == TransportTCP {
		return "tcp"
	}
	return "udp"
}

func transportKind(tr headers.Transport) TransportKind {
	if tr.Protocol == headers.TransportProtocolTCP {
		return TransportTCP
	}
	return TransportUDP
}

// parseTransport picks the first alternative of a Transport header that
// can be served: unicast RTP/AVP in PLAY mode, over UDP with client ports
// or over TCP, where interleaved channels default to 0-1.
func parseTransport(v base.HeaderValue) (headers.Transport, error) {
	lastErr := errors.New("empty transport")
	for _, value := range v {
		for _, alt := range strings.Split(value, ",") {
			tr, err := parseTransportAlt(strings.TrimSpace(alt))
			if err == nil {
				return tr, nil
			}
			lastErr = err
		}
	}
	return headers.Transport{}, lastErr
}

func parseTransportAlt(alt string) (headers.Transport, error) {
	var tr headers.Transport
	if alt == "" {
		return tr, errors.New("empty transport")
	}
	if strings.HasPrefix(strings.ToUpper(alt), "RTP/SAVP") {
		return tr, fmt.Errorf("unsupported profile in %q", alt)
	}
	if err := tr.Unmarshal(base.HeaderValue{alt}); err != nil {
		return tr, err
	}
	if tr.Delivery != nil && *tr.Delivery == headers.TransportDeliveryMulticast {
		return tr, errors.New("multicast not supported")
	}
	if tr.Mode != nil && *tr.Mode != headers.TransportModePlay {
		return tr, fmt.Errorf("mode %v not supported", *tr.Mode)
	}
	switch tr.Protocol {
	case headers.TransportProtocolUDP:
		if tr.ClientPorts == nil {
			return tr, errors.New("udp transport without client_port")
		}
		if p := *tr.ClientPorts; p[0] <= 0 || p[1] < p[0] {
			return tr, fmt.Errorf("invalid client_port %d-%d", p[0], p[1])
		}
	case headers.TransportProtocolTCP:
		if tr.InterleavedIDs == nil {
			tr.InterleavedIDs = &[2]int{0, 1}
		}
		if ch := *tr.InterleavedIDs; ch[0] < 0 || ch[1] < ch[0] || ch[1] > 255 {
			return tr, fmt.Errorf("interleaved channels out of range: %d-%d", ch[0], ch[1])
		}
	}
	return tr, nil
}

// transportReply renders the server side of an accepted transport
func transportReply(tr headers.Transport, serverPorts *[2]int) base.HeaderValue {
	unicast := headers.TransportDeliveryUnicast
	reply := headers.Transport{Protocol: tr.Protocol, Delivery: &unicast}
	if tr.Protocol == headers.TransportProtocolTCP {
		reply.InterleavedIDs = tr.InterleavedIDs
	} else {
		reply.ClientPorts = tr.ClientPorts
		reply.ServerPorts = serverPorts
	}
	return reply.Marshal()
}

// sender carries the packets of one stream to one client
type sender interface {
	sendRTP(data []byte) error
	sendRTCP(data []byte) error
	close() error
}

// interleavedSender writes frames on the client's RTSP connection. The
// mutex is shared with the connection's response writer.
type interleavedSender struct {
	mu       *sync.Mutex
	w        io.Writer
	channels [2]int
}

func (s *interleavedSender) write(ch int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeInterleaved(s.w, ch, data)
}

func (s *interleavedSender) sendRTP(data []byte) error  { return s.write(s.channels[0], data) }
func (s *interleavedSender) sendRTCP(data []byte) error { return s.write(s.channels[1], data) }
func (s *interleavedSender) close() error               { return nil }

// udpSender sends from a server port pair allocated for the stream. RTCP
// arriving on the pair counts as session activity.
type udpSender struct {
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	rtpAddr  *net.UDPAddr
	rtcpAddr *net.UDPAddr
	closed   atomic.Bool
}

func newUDPSender(host string, client net.IP, clientPorts [2]int, onRTCP func([]rtcp.Packet), logger hclog.Logger) (*udpSender, error) {
	rtpConn, rtcpConn, err := listenUDPPair(host)
	if err != nil {
		return nil, err
	}
	s := &udpSender{
		rtpConn:  rtpConn,
		rtcpConn: rtcpConn,
		rtpAddr:  &net.UDPAddr{IP: client, Port: clientPorts[0]},
		rtcpAddr: &net.UDPAddr{IP: client, Port: clientPorts[1]},
	}
	go s.readRTCP(onRTCP, logger)
	return s, nil
}

func (s *udpSender) readRTCP(onRTCP func([]rtcp.Packet), logger hclog.Logger) {
	buf := make([]byte, 1500)
	for {
		n, _, err := s.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			if !s.closed.Load() {
				logger.Debug("rtcp read stopped", "error", err)
			}
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			logger.Trace("ignoring malformed rtcp", "error", err)
			continue
		}
		if onRTCP != nil {
			onRTCP(pkts)
		}
	}
}

func (s *udpSender) serverPorts() *[2]int {
	return &[2]int{udpPort(s.rtpConn), udpPort(s.rtcpConn)}
}

func (s *udpSender) sendRTP(data []byte) error {
	_, err := s.rtpConn.WriteToUDP(data, s.rtpAddr)
	return err
}

func (s *udpSender) sendRTCP(data []byte) error {
	_, err := s.rtcpConn.WriteToUDP(data, s.rtcpAddr)
	return err
}

func (s *udpSender) close() error {
	s.closed.Store(true)
	err := s.rtpConn.Close()
	if cerr := s.rtcpConn.Close(); err == nil {
		err = cerr
	}
	return err
}

const udpPairAttempts = 16

// listenUDPPair binds an even RTP port and the odd port after it
func listenUDPPair(host string) (*net.UDPConn, *net.UDPConn, error) {
	ip := net.ParseIP(host)
	for i := 0; i < udpPairAttempts; i++ {
		rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip})
		if err != nil {
			return nil, nil, err
		}
		port := udpPort(rtpConn)
		if port%2 != 0 {
			rtpConn.Close()
			continue
		}
		rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port + 1})
		if err != nil {
			rtpConn.Close()
			continue
		}
		return rtpConn, rtcpConn, nil
	}
	return nil, nil, fmt.Errorf("no free udp port pair after %d attempts", udpPairAttempts)
}

func udpPort(c *net.UDPConn) int {
	return c.LocalAddr().(*net.UDPAddr).Port
}
