package s5b

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/s5b/protocol"
	"github.com/opd-ai/s5b/transport"
)

const datagramBacklog = 64

// serverDatagram is the serving half of a datagram channel: packets for our
// key arrive through the shared server and replies go to the client address
// locked on by the first init packet.
type serverDatagram struct {
	srv *transport.Server
	key protocol.HashKey

	mu     sync.Mutex
	addr   *net.UDPAddr
	in     chan []byte
	done   chan struct{}
	closed bool
}

func newServerDatagram(srv *transport.Server, key protocol.HashKey) *serverDatagram {
	return &serverDatagram{
		srv:  srv,
		key:  key,
		in:   make(chan []byte, datagramBacklog),
		done: make(chan struct{}),
	}
}

// lock records the client address. Only the first call succeeds.
func (d *serverDatagram) lock(addr *net.UDPAddr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.addr != nil || d.closed {
		return false
	}
	d.addr = addr
	return true
}

// from reports whether addr is the locked client.
func (d *serverDatagram) from(addr *net.UDPAddr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr != nil && d.addr.IP.Equal(addr.IP) && d.addr.Port == addr.Port
}

// deliver queues an inbound payload, dropping it when the reader lags.
func (d *serverDatagram) deliver(payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.in <- payload:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "serverDatagram.deliver",
			"key":      d.key,
		}).Warn("Datagram backlog full, dropping packet")
	}
}

func (d *serverDatagram) WriteDatagram(payload []byte) error {
	d.mu.Lock()
	addr, closed := d.addr, d.closed
	d.mu.Unlock()
	if closed {
		return transport.ErrDatagramClosed
	}
	if addr == nil {
		return transport.ErrNotActive
	}
	return d.srv.WriteDatagram(addr, payload)
}

func (d *serverDatagram) ReadDatagram() ([]byte, error) {
	select {
	case p := <-d.in:
		return p, nil
	case <-d.done:
		return nil, transport.ErrDatagramClosed
	}
}

func (d *serverDatagram) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
}
