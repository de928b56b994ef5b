package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/s5b/protocol"
)

type datagramEvent struct {
	key     protocol.HashKey
	init    bool
	from    *net.UDPAddr
	payload []byte
}

type recordingOwner struct {
	mu        sync.Mutex
	refuse    bool
	streams   chan net.Conn
	datagrams chan datagramEvent
}

func newRecordingOwner() *recordingOwner {
	return &recordingOwner{
		streams:   make(chan net.Conn, 8),
		datagrams: make(chan datagramEvent, 32),
	}
}

func (o *recordingOwner) AllowIncoming(protocol.HashKey, Command) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.refuse
}

func (o *recordingOwner) IncomingStream(_ protocol.HashKey, _ Command, conn net.Conn) {
	o.streams <- conn
}

func (o *recordingOwner) IncomingDatagram(key protocol.HashKey, init bool, from *net.UDPAddr, payload []byte) {
	o.datagrams <- datagramEvent{key: key, init: init, from: from, payload: payload}
}

func startServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer()
	require.NoError(t, s.StartOn("127.0.0.1", 0))
	t.Cleanup(s.Stop)
	return s
}

func localCandidate(jid string, port int) protocol.Candidate {
	return protocol.Candidate{JID: jid, Host: "127.0.0.1", Port: port}
}

// closedPort returns a loopback port with no listener behind it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// silentListener accepts connections and never answers. Accepted
// connections are reported on the returned channel.
func silentListener(t *testing.T) (int, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 8)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, accepted
}

// waitClosed reports whether the peer of c closes within d.
func waitClosed(c net.Conn, d time.Duration) bool {
	_ = c.SetReadDeadline(time.Now().Add(d))
	buf := make([]byte, 64)
	for {
		_, err := c.Read(buf)
		if err != nil {
			ne, ok := err.(net.Error)
			return !(ok && ne.Timeout())
		}
	}
}

func newTestRacer() *Racer {
	r := NewRacer("alice@example.com/test")
	r.Dialer = &net.Dialer{}
	r.Stagger = 10 * time.Millisecond
	r.InitInterval = 50 * time.Millisecond
	return r
}
