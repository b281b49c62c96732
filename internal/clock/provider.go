package clock

import (
	"errors"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// TimeProvider answers net time requests with readings of a Clock, so
// other processes can slave a KindNet clock to it.
type TimeProvider struct {
	clock  Clock
	conn   *net.UDPConn
	logger hclog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTimeProvider listens on address (host:port, port 0 picks one)
func NewTimeProvider(c Clock, address string, logger hclog.Logger) (*TimeProvider, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	p := &TimeProvider{
		clock:  c,
		conn:   conn,
		logger: logger.Named("time-provider"),
	}
	p.logger.Info("serving clock", "address", conn.LocalAddr().String(), "clock", c.ID())

	p.wg.Add(1)
	go p.serve()
	return p, nil
}

// Addr returns the bound address
func (p *TimeProvider) Addr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

func (p *TimeProvider) serve() {
	defer p.wg.Done()

	buf := make([]byte, 64)
	for {
		n, raddr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warn("read failed", "error", err)
			continue
		}

		pkt, err := unmarshalTimePacket(buf[:n])
		if err != nil {
			p.logger.Trace("dropping malformed request", "from", raddr, "error", err)
			continue
		}
		pkt.remote = p.clock.Time()
		pkt.hasRem = true

		if _, err := p.conn.WriteToUDP(pkt.marshal(), raddr); err != nil {
			p.logger.Debug("reply failed", "to", raddr, "error", err)
		}
	}
}

// Close stops serving
func (p *TimeProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
		p.wg.Wait()
	})
	return err
}
