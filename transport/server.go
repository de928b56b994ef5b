package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/s5b/limits"
	"github.com/opd-ai/s5b/protocol"
)

var (
	// ErrAlreadyBound indicates a start request for a different port while the
	// server is active, or a port already taken by another listener.
	ErrAlreadyBound = errors.New("session server already bound")

	// ErrRouteExists indicates a second registration of the same key.
	ErrRouteExists = errors.New("route already registered")

	// ErrNotActive indicates an operation that needs a running server.
	ErrNotActive = errors.New("session server not active")
)

// Owner receives the transports routed to the keys it registered.
// Methods are called from server goroutines and must not block.
type Owner interface {
	// AllowIncoming reports whether the owner currently accepts a
	// connection for key. A refused connection is answered with a failure.
	AllowIncoming(key protocol.HashKey, cmd Command) bool

	// IncomingStream hands over a connection whose handshake succeeded. The
	// owner takes responsibility for closing it.
	IncomingStream(key protocol.HashKey, cmd Command, conn net.Conn)

	// IncomingDatagram delivers a UDP packet addressed to key. init is set
	// for packets sent to the init port.
	IncomingDatagram(key protocol.HashKey, init bool, from *net.UDPAddr, payload []byte)
}

// Server is the shared listening service. One instance serves every
// manager in the process and routes inbound connections by the session key
// they present.
type Server struct {
	// HandshakeTimeout closes connections that do not complete the SOCKS5
	// handshake in time.
	HandshakeTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	udp      *net.UDPConn
	port     int
	hosts    []string
	routes   map[protocol.HashKey]Owner
	pending  map[net.Conn]struct{}
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewServer returns an inactive server.
func NewServer() *Server {
	return &Server{
		HandshakeTimeout: limits.DefaultHandshakeTimeout,
		routes:           make(map[protocol.HashKey]Owner),
		pending:          make(map[net.Conn]struct{}),
	}
}

// Start listens on port on all interfaces; port 0 picks a free port. Starting
// an active server again on its own port (or port 0) is a no-op.
func (s *Server) Start(port int) error {
	return s.StartOn("", port)
}

// StartOn is Start restricted to one local address.
func (s *Server) StartOn(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		if port == 0 || port == s.port {
			return nil
		}
		return fmt.Errorf("%w: active on port %d, requested %d", ErrAlreadyBound, s.port, port)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %v", ErrAlreadyBound, err)
		}
		return err
	}
	bound := ln.Addr().(*net.TCPAddr)

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: bound.IP, Port: bound.Port})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.Start",
			"port":     bound.Port,
			"error":    err.Error(),
		}).Warn("Datagram listener unavailable, stream mode only")
		udp = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	s.listener, s.udp, s.port = ln, udp, bound.Port
	s.cancel, s.group = cancel, g

	g.Go(func() error { return s.acceptLoop(ctx, ln) })
	if udp != nil {
		g.Go(func() error { return s.datagramLoop(ctx, udp) })
	}

	logrus.WithFields(logrus.Fields{
		"function": "Server.Start",
		"address":  ln.Addr().String(),
		"udp":      udp != nil,
	}).Info("Session server listening")
	return nil
}

// Stop closes the listeners and every connection still in its handshake.
// Routes stay registered.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return
	}
	ln, udp, g := s.listener, s.udp, s.group
	s.cancel()
	s.listener, s.udp, s.port, s.group = nil, nil, 0, nil
	for c := range s.pending {
		_ = c.Close()
	}
	clear(s.pending)
	s.mu.Unlock()

	_ = ln.Close()
	if udp != nil {
		_ = udp.Close()
	}
	_ = g.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Server.Stop",
	}).Info("Session server stopped")
}

// IsActive reports whether the server is listening.
func (s *Server) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// Port returns the bound port, or 0 when inactive.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// SetHostList sets the addresses advertised for this server.
func (s *Server) SetHostList(hosts []string) {
	s.mu.Lock()
	s.hosts = append([]string(nil), hosts...)
	s.mu.Unlock()
}

// HostList returns the advertised addresses.
func (s *Server) HostList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hosts...)
}

// Candidates returns one direct candidate per advertised host for jid, or
// nil when the server is inactive.
func (s *Server) Candidates(jid string) []protocol.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	out := make([]protocol.Candidate, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, protocol.Candidate{JID: jid, Host: h, Port: s.port})
	}
	return out
}

// Register routes inbound connections presenting key to owner.
func (s *Server) Register(key protocol.HashKey, owner Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[key]; ok {
		return fmt.Errorf("%w: %s", ErrRouteExists, key)
	}
	s.routes[key] = owner
	return nil
}

// Unregister removes the route for key.
func (s *Server) Unregister(key protocol.HashKey) {
	s.mu.Lock()
	delete(s.routes, key)
	s.mu.Unlock()
}

// HasRoute reports whether key is registered.
func (s *Server) HasRoute(key protocol.HashKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.routes[key]
	return ok
}

// Routes returns the number of registered keys.
func (s *Server) Routes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.routes)
}

func (s *Server) owner(key protocol.HashKey) Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routes[key]
}

// WriteDatagram sends payload to a locked-on datagram client.
func (s *Server) WriteDatagram(to *net.UDPAddr, payload []byte) error {
	s.mu.Lock()
	udp := s.udp
	s.mu.Unlock()
	if udp == nil {
		return ErrNotActive
	}
	_, err := udp.WriteToUDP(payload, to)
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Server.acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go s.handle(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return false
	}
	s.pending[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[conn]
	delete(s.pending, conn)
	return ok
}

func (s *Server) handle(conn net.Conn) {
	log := logrus.WithFields(logrus.Fields{
		"function": "Server.handle",
		"remote":   conn.RemoteAddr().String(),
	})
	_ = conn.SetDeadline(time.Now().Add(s.HandshakeTimeout))

	req, err := ServerHandshake(conn)
	if err != nil {
		log.WithField("error", err.Error()).Debug("Inbound handshake failed")
		s.untrack(conn)
		_ = conn.Close()
		return
	}
	log = log.WithField("key", req.Key)

	owner := s.owner(req.Key)
	if req.Port != 0 || owner == nil || !owner.AllowIncoming(req.Key, req.Command) {
		log.Warn("No route for inbound connection")
		_ = WriteReply(conn, ReplyHostUnreachable, req.Key)
		s.untrack(conn)
		_ = conn.Close()
		return
	}
	if err := WriteReply(conn, ReplySucceeded, req.Key); err != nil {
		s.untrack(conn)
		_ = conn.Close()
		return
	}
	if !s.untrack(conn) {
		// server stopped while we were replying
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})
	log.Debug("Routing inbound connection")
	owner.IncomingStream(req.Key, req.Command, conn)
}

func (s *Server) datagramLoop(ctx context.Context, udp *net.UDPConn) error {
	buf := make([]byte, limits.MaxUDPPacket)
	for {
		n, from, err := udp.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}
		key, port, payload, err := ParseUDPHeader(buf[:n])
		if err != nil || (port != PortData && port != PortInit) {
			continue
		}
		owner := s.owner(key)
		if owner == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Server.datagramLoop",
				"key":      key,
				"from":     from.String(),
			}).Debug("Dropping datagram for unknown key")
			continue
		}
		owner.IncomingDatagram(key, port == PortInit, from, append([]byte(nil), payload...))
	}
}
