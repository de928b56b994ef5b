package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/s5b/limits"
	"github.com/opd-ai/s5b/protocol"
	"github.com/opd-ai/s5b/transport"
)

var (
	// ErrNotReady indicates an activation for a key that does not have both
	// connections yet.
	ErrNotReady = errors.New("streamhost connections not ready")

	// ErrAlreadyActive indicates a second activation of the same key.
	ErrAlreadyActive = errors.New("streamhost already activated")

	// ErrRelayClosed indicates an operation on a closed relay.
	ErrRelayClosed = errors.New("relay closed")
)

// TimeProvider schedules the expiry of unactivated pairs.
type TimeProvider interface {
	AfterFunc(d time.Duration, f func()) *time.Timer
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) *time.Timer { return time.AfterFunc(d, f) }

type pair struct {
	conns  []net.Conn
	active bool
	timer  *time.Timer
}

// Relay is a SOCKS5 bytestream proxy. It accepts any session key, holds at
// most two connections per key and forwards nothing until Activate joins
// them.
type Relay struct {
	// HandshakeTimeout closes connections that do not finish the handshake.
	HandshakeTimeout time.Duration

	// PairTimeout closes connections that are not activated in time.
	PairTimeout time.Duration

	// TimeProvider runs the PairTimeout timers. Nil uses the wall clock.
	TimeProvider TimeProvider

	mu       sync.Mutex
	listener net.Listener
	pairs    map[protocol.HashKey]*pair
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New returns a relay that is not yet listening.
func New() *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		HandshakeTimeout: limits.DefaultHandshakeTimeout,
		PairTimeout:      limits.DefaultSessionTimeout,
		pairs:            make(map[protocol.HashKey]*pair),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Listen starts accepting connections on addr.
func (r *Relay) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ln.Close()
		return ErrRelayClosed
	}
	if r.listener != nil {
		current := r.listener.Addr()
		r.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("relay already listening on %s", current)
	}
	r.listener = ln
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Relay.Listen",
		"address":  ln.Addr().String(),
	}).Info("Relay listening")

	r.wg.Add(1)
	go r.acceptLoop(ln)
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (r *Relay) Addr() *net.TCPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr().(*net.TCPAddr)
}

// Close stops the relay and closes every held or bridged connection.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ln := r.listener
	for key, p := range r.pairs {
		r.dropLocked(key, p)
	}
	r.mu.Unlock()

	r.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	r.wg.Wait()
	return err
}

// Pending returns the number of connections held for key.
func (r *Relay) Pending(key protocol.HashKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pairs[key]; ok {
		return len(p.conns)
	}
	return 0
}

// Activate joins the two connections presented with Hash(sid, initiator,
// target) and starts relaying between them.
func (r *Relay) Activate(sid, initiator, target string) error {
	key := protocol.Hash(sid, initiator, target)
	log := logrus.WithFields(logrus.Fields{
		"function":  "Relay.Activate",
		"sid":       sid,
		"initiator": initiator,
		"target":    target,
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	p, ok := r.pairs[key]
	switch {
	case !ok || len(p.conns) < 2:
		r.mu.Unlock()
		log.Warn("Activation before both parties connected")
		return fmt.Errorf("%w: %s", ErrNotReady, key)
	case p.active:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyActive, key)
	}
	p.active = true
	p.timer.Stop()
	a, b := p.conns[0], p.conns[1]
	r.wg.Add(1)
	r.mu.Unlock()

	log.Info("Relay activated")
	go func() {
		defer r.wg.Done()
		r.bridge(key, a, b)
	}()
	return nil
}

func (r *Relay) bridge(key protocol.HashKey, a, b net.Conn) {
	g, ctx := errgroup.WithContext(r.ctx)
	g.Go(func() error { return pipe(b, a) })
	g.Go(func() error { return pipe(a, b) })
	go func() {
		<-ctx.Done()
		_ = a.Close()
		_ = b.Close()
	}()
	err := g.Wait()

	r.mu.Lock()
	delete(r.pairs, key)
	r.mu.Unlock()

	fields := logrus.Fields{"function": "Relay.bridge", "key": key}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Debug("Relay finished")
}

// pipe copies until src ends, then half-closes dst so the other direction
// keeps flowing until its own end. Connections without CloseWrite end the
// whole bridge.
func pipe(dst, src net.Conn) error {
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return io.EOF
}

func (r *Relay) acceptLoop(ln net.Listener) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || r.ctx.Err() != nil {
				return
			}
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(conn)
		}()
	}
}

func (r *Relay) handle(conn net.Conn) {
	log := logrus.WithFields(logrus.Fields{
		"function": "Relay.handle",
		"remote":   conn.RemoteAddr().String(),
	})
	stop := context.AfterFunc(r.ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetDeadline(time.Now().Add(r.HandshakeTimeout))
	req, err := transport.ServerHandshake(conn)
	if err != nil {
		log.WithField("error", err.Error()).Debug("Handshake failed")
		_ = conn.Close()
		return
	}
	if req.Command != transport.CommandConnect {
		_ = transport.WriteReply(conn, transport.ReplyCommandNotSupported, req.Key)
		_ = conn.Close()
		return
	}

	r.mu.Lock()
	p, ok := r.pairs[req.Key]
	if r.closed || req.Port != 0 || (ok && (p.active || len(p.conns) >= 2)) {
		r.mu.Unlock()
		log.WithField("key", req.Key).Warn("Refusing connection")
		_ = transport.WriteReply(conn, transport.ReplyConnectionRefused, req.Key)
		_ = conn.Close()
		return
	}
	if !ok {
		key := req.Key
		p = &pair{}
		clock := r.TimeProvider
		if clock == nil {
			clock = wallClock{}
		}
		p.timer = clock.AfterFunc(r.PairTimeout, func() { r.expire(key, p) })
		r.pairs[key] = p
	}
	if err := transport.WriteReply(conn, transport.ReplySucceeded, req.Key); err != nil {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})
	p.conns = append(p.conns, conn)
	held := len(p.conns)
	r.mu.Unlock()

	log.WithFields(logrus.Fields{
		"key":  req.Key,
		"held": held,
	}).Debug("Holding connection until activation")
}

func (r *Relay) expire(key protocol.HashKey, p *pair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.pairs[key]; !ok || cur != p || p.active {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Relay.expire",
		"key":      key,
	}).Debug("Closing unactivated connections")
	r.dropLocked(key, p)
}

func (r *Relay) dropLocked(key protocol.HashKey, p *pair) {
	p.timer.Stop()
	for _, c := range p.conns {
		_ = c.Close()
	}
	delete(r.pairs, key)
}
