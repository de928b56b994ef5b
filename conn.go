package s5b

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/s5b/limits"
	"github.com/opd-ai/s5b/protocol"
	"github.com/opd-ai/s5b/transport"
)

// datagramEndpoint is either side of an established datagram channel.
type datagramEndpoint interface {
	WriteDatagram(payload []byte) error
	ReadDatagram() ([]byte, error)
}

// Conn is the application's handle on an active session. Stream writes are
// queued and sent in order by a background writer; BytesPending reports how
// much is still queued.
type Conn struct {
	session *Session
	leg     *leg
	dgram   datagramEndpoint
	udpIn   *serverDatagram

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	pending int
	closed  bool
	werr    error
}

func newConn(s *Session, l *leg, udpIn *serverDatagram) *Conn {
	c := &Conn{session: s, leg: l, udpIn: udpIn}
	c.cond = sync.NewCond(&c.mu)
	switch {
	case l.dgram != nil:
		c.dgram = l.dgram
	case udpIn != nil:
		c.dgram = udpIn
	}
	return c
}

// start launches the writer, or the control watcher of a datagram channel.
func (c *Conn) start() {
	if c.dgram != nil {
		go c.watchControl()
		return
	}
	go c.writeLoop()
}

// Session returns the session the connection belongs to.
func (c *Conn) Session() *Session { return c.session }

// Mode returns the transport mode.
func (c *Conn) Mode() protocol.Mode { return c.session.mode }

// Candidate returns the streamhost carrying the connection.
func (c *Conn) Candidate() protocol.Candidate { return c.leg.cand }

// LocalAddr returns the local address of the underlying socket.
func (c *Conn) LocalAddr() net.Addr { return c.control().LocalAddr() }

// RemoteAddr returns the remote address of the underlying socket.
func (c *Conn) RemoteAddr() net.Addr { return c.control().RemoteAddr() }

// SetReadDeadline sets the read deadline of a stream connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.control().SetReadDeadline(t)
}

func (c *Conn) control() net.Conn {
	if c.leg.dgram != nil {
		return c.leg.dgram.Control()
	}
	return c.leg.conn
}

// Write queues p for sending. It never blocks on the network. Close delivers
// what is still queued before it releases the socket; a failed or torn down
// session discards it.
func (c *Conn) Write(p []byte) (int, error) {
	if c.dgram != nil {
		return 0, ErrWrongMode
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if c.werr != nil {
		return 0, c.werr
	}
	if len(p) == 0 {
		return 0, nil
	}
	c.queue = append(c.queue, append([]byte(nil), p...))
	c.pending += len(p)
	c.cond.Broadcast()
	return len(p), nil
}

// BytesPending returns the number of queued bytes not yet written.
func (c *Conn) BytesPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Flush waits until every queued byte has been written.
func (c *Conn) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending > 0 && !c.closed && c.werr == nil && ctx.Err() == nil {
		c.cond.Wait()
	}
	switch {
	case c.werr != nil:
		return c.werr
	case c.pending > 0 && c.closed:
		return ErrClosed
	case c.pending > 0:
		return ctx.Err()
	}
	return nil
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		buf := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		_, err := c.leg.conn.Write(buf)

		c.mu.Lock()
		c.pending -= len(buf)
		if err != nil && !c.closed {
			c.werr = fmt.Errorf("%w: %v", ErrStreamError, err)
		}
		closed := c.closed
		c.cond.Broadcast()
		c.mu.Unlock()

		if err != nil {
			if !closed {
				c.session.streamFailed(err)
			}
			return
		}
	}
}

// Read reads stream data in arrival order.
func (c *Conn) Read(p []byte) (int, error) {
	if c.dgram != nil {
		return 0, ErrWrongMode
	}
	n, err := c.leg.conn.Read(p)
	if err == nil {
		return n, nil
	}
	if c.isClosed() {
		return n, ErrClosed
	}
	if errors.Is(err, io.EOF) {
		c.session.peerClosed()
		return n, io.EOF
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, err
	}
	c.session.streamFailed(err)
	return n, fmt.Errorf("%w: %v", ErrStreamError, err)
}

// WriteDatagram sends one datagram on a datagram session.
func (c *Conn) WriteDatagram(d protocol.Datagram) error {
	if c.dgram == nil {
		return ErrWrongMode
	}
	if c.isClosed() {
		return ErrClosed
	}
	if err := limits.ValidateDatagramPayload(d.Data); err != nil {
		return err
	}
	packet, err := d.MarshalEnvelope()
	if err != nil {
		return err
	}
	return c.dgram.WriteDatagram(packet)
}

// ReadDatagram returns the next datagram. Packets too short for the
// envelope are skipped.
func (c *Conn) ReadDatagram() (protocol.Datagram, error) {
	if c.dgram == nil {
		return protocol.Datagram{}, ErrWrongMode
	}
	for {
		packet, err := c.dgram.ReadDatagram()
		if err != nil {
			if c.isClosed() || errors.Is(err, transport.ErrDatagramClosed) {
				return protocol.Datagram{}, ErrClosed
			}
			c.session.streamFailed(err)
			return protocol.Datagram{}, fmt.Errorf("%w: %v", ErrStreamError, err)
		}
		d, err := protocol.ParseEnvelope(packet)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Conn.ReadDatagram",
				"sid":      c.session.SID(),
				"size":     len(packet),
			}).Warn("Dropping malformed datagram")
			continue
		}
		return d, nil
	}
}

// watchControl ends a datagram session when its control connection drops.
func (c *Conn) watchControl() {
	_, err := io.Copy(io.Discard, c.control())
	if c.isClosed() {
		return
	}
	if err != nil {
		c.session.streamFailed(err)
		return
	}
	c.session.peerClosed()
}

// Close ends the session after queued writes are sent, bounded by
// Config.CloseTimeout. See Session.Close.
func (c *Conn) Close() error {
	return c.session.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// shutdown releases the transport; called from the session goroutine.
func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	c.pending = 0
	c.cond.Broadcast()
	c.mu.Unlock()

	c.leg.close()
	if c.udpIn != nil {
		c.udpIn.close()
	}
}
