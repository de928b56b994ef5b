package s5b

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/s5b/interfaces"
	"github.com/opd-ai/s5b/protocol"
	"github.com/opd-ai/s5b/relay"
	simulation "github.com/opd-ai/s5b/testing"
	"github.com/opd-ai/s5b/transport"
)

func exchange(t *testing.T, from, to *Conn, payload string) {
	t.Helper()
	n, err := from.Write([]byte(payload))
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	require.NoError(t, to.SetReadDeadline(time.Now().Add(waitFor)))
	buf := make([]byte, len(payload))
	_, err = io.ReadFull(to, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf))
	require.NoError(t, to.SetReadDeadline(time.Time{}))
}

func TestDirectStreamSession(t *testing.T) {
	network := newNetwork(t)
	alice := newTestPeer(t, network, aliceJID, withHosts("127.0.0.1"))
	bob := newTestPeer(t, network, bobJID)

	rec := &recorder{}
	out, err := alice.mgr.Open(bobJID, "", protocol.ModeStream, rec)
	require.NoError(t, err)
	assert.Regexp(t, `^s5b_[0-9a-f]{16}$`, out.SID())
	assert.Equal(t, RoleInitiator, out.Role())

	in := bob.nextIncoming(t)
	assert.Equal(t, RoleTarget, in.Role())
	assert.Equal(t, out.SID(), in.SID())
	assert.True(t, protocol.SameJID(aliceJID, in.Peer()))
	require.Len(t, in.Received(), 1)
	assert.Equal(t, alice.srv.Port(), in.Received()[0].Port)
	require.NoError(t, in.Accept())

	aconn := waitConn(t, out)
	bconn := waitConn(t, in)
	assert.Equal(t, StateActive, out.State())
	assert.Equal(t, StateActive, in.State())

	chosen, ok := in.Chosen()
	require.True(t, ok)
	assert.False(t, chosen.IsProxy)
	assert.True(t, protocol.SameJID(aliceJID, chosen.JID))

	assert.Equal(t, []EventKind{EventRequesting, EventAccepted, EventConnected}, rec.kinds())
	assert.Equal(t, 0, alice.srv.Routes(), "active stream sessions do not keep routes")

	exchange(t, aconn, bconn, "hello from alice")
	exchange(t, bconn, aconn, "hello from bob")

	_, err = aconn.Write([]byte("flushed"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, aconn.Flush(ctx))
	assert.Equal(t, 0, aconn.BytesPending())
	buf := make([]byte, 7)
	_, err = io.ReadFull(bconn, buf)
	require.NoError(t, err)

	assert.ErrorIs(t, aconn.WriteDatagram(protocol.Datagram{Data: []byte("x")}), ErrWrongMode)

	require.NoError(t, aconn.Close())
	assert.Equal(t, EventClosed, rec.last().Kind)
	assert.NoError(t, rec.last().Err)
	_, err = aconn.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = bconn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	waitDone(t, in)
	assert.Equal(t, StateIdle, in.State())

	assert.Empty(t, alice.mgr.Sessions())
	assert.Empty(t, bob.mgr.Sessions())
	stats := alice.mgr.GetStats()
	assert.Equal(t, uint64(1), stats.Established)
	assert.Equal(t, 0, stats.Pending)
}

func TestCloseDeliversQueuedWrites(t *testing.T) {
	network := newNetwork(t)
	alice := newTestPeer(t, network, aliceJID, withHosts("127.0.0.1"))
	bob := newTestPeer(t, network, bobJID)

	out, err := alice.mgr.Open(bobJID, "", protocol.ModeStream)
	require.NoError(t, err)
	in := bob.nextIncoming(t)
	require.NoError(t, in.Accept())
	aconn := waitConn(t, out)
	bconn := waitConn(t, in)

	type result struct {
		data []byte
		err  error
	}
	received := make(chan result, 1)
	go func() {
		_ = bconn.SetReadDeadline(time.Now().Add(2 * waitFor))
		data, err := io.ReadAll(bconn)
		received <- result{data, err}
	}()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 512<<10)
	n, err := aconn.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, aconn.Close())
	assert.Equal(t, 0, aconn.BytesPending())

	select {
	case r := <-received:
		require.NoError(t, r.err)
		assert.Equal(t, len(payload), len(r.data))
		assert.True(t, bytes.Equal(payload, r.data), "payload corrupted")
	case <-time.After(2 * waitFor):
		t.Fatal("reader did not finish")
	}
	waitDone(t, in)
}

func TestCloseFromObserver(t *testing.T) {
	network := newNetwork(t)
	alice := newTestPeer(t, network, aliceJID, withHosts("127.0.0.1"))
	bob := newTestPeer(t, network, bobJID)

	closer := ObserverFunc(func(ev Event) {
		if ev.Kind == EventConnected {
			_ = ev.Session.Close()
		}
	})
	out, err := alice.mgr.Open(bobJID, "", protocol.ModeStream, closer)
	require.NoError(t, err)
	require.NoError(t, bob.nextIncoming(t).Accept())

	waitDone(t, out)
	assert.Equal(t, StateIdle, out.State())
	assert.ErrorIs(t, out.Err(), ErrClosed)
	assert.Empty(t, alice.mgr.Sessions())
}

func TestCloseTargetDuringRace(t *testing.T) {
	network := newNetwork(t)
	bob := newTestPeer(t, network, bobJID)
	aliceEP := network.Attach(aliceJID, nil)

	// a streamhost that takes the connection and never answers the greeting
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		if c, err := ln.Accept(); err == nil {
			accepted <- c
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	iq := protocol.NewRequest(bobJID, "silent-1", "s5b_silent", []protocol.Candidate{
		{JID: aliceJID, Host: "127.0.0.1", Port: port},
	}, protocol.ModeStream, false)
	require.NoError(t, aliceEP.SendStanza(context.Background(), iq))

	in := bob.nextIncoming(t)
	rec := &recorder{}
	in.Observe(rec)
	require.NoError(t, in.Accept())

	var held net.Conn
	select {
	case held = <-accepted:
	case <-time.After(waitFor):
		t.Fatal("no connection attempt reached the streamhost")
	}
	defer held.Close()
	require.Eventually(t, func() bool { return in.State() == StateConnecting }, waitFor, tick)

	require.NoError(t, in.Close())
	assert.Equal(t, StateFailed, in.State())
	assert.ErrorIs(t, in.Err(), ErrClosed)
	assert.Empty(t, bob.mgr.Sessions())
	assert.Equal(t, EventFailed, rec.last().Kind)

	// the attempt's socket is closed: the streamhost reads the greeting, then EOF
	require.NoError(t, held.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = io.Copy(io.Discard, held)
	assert.NoError(t, err, "connection attempt still open")

	seen := rec.count()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, seen, rec.count(), "events after the terminal event")
}

func TestProxySession(t *testing.T) {
	network := newNetwork(t)
	startProxy(t, network, nil)
	alice := newTestPeer(t, network, aliceJID, withHosts(deadHost), withConfig(func(c *Config) {
		c.Proxy = proxyJID
	}))
	bob := newTestPeer(t, network, bobJID)

	rec := &recorder{}
	out, err := alice.mgr.Open(bobJID, "", protocol.ModeStream, rec)
	require.NoError(t, err)

	in := bob.nextIncoming(t)
	received := in.Received()
	require.Len(t, received, 2)
	assert.True(t, received[1].IsProxy)
	assert.Equal(t, proxyJID, received[1].JID)
	require.NoError(t, in.Accept())

	aconn := waitConn(t, out)
	bconn := waitConn(t, in)

	chosen, ok := out.Chosen()
	require.True(t, ok)
	assert.True(t, chosen.IsProxy)
	assert.Equal(t, proxyJID, chosen.JID)

	ev, state, ok := rec.find(EventProxyConnect)
	require.True(t, ok, "initiator never connected to its proxy")
	assert.Equal(t, StateActivating, state)
	assert.Equal(t, proxyJID, ev.Candidate.JID)

	ev, _, ok = rec.find(EventProxyResult)
	require.True(t, ok)
	assert.True(t, ev.OK)

	assert.Equal(t, []EventKind{
		EventProxyQuery, EventProxyResult, EventRequesting, EventAccepted, EventProxyConnect, EventConnected,
	}, rec.kinds())

	_, cached := alice.mgr.proxies.Cached(proxyJID)
	assert.True(t, cached)

	exchange(t, bconn, aconn, "through the relay")
	exchange(t, aconn, bconn, "and back")
}

func TestProxyActivationFailure(t *testing.T) {
	network := newNetwork(t)
	startProxy(t, network, func(comp *relay.Component, ep *simulation.Endpoint) interfaces.StanzaHandler {
		return interfaces.StanzaHandlerFunc(func(st protocol.Stanza) bool {
			if iq, ok := st.(*protocol.IQ); ok && protocol.IsActivation(iq) {
				_ = ep.SendStanza(context.Background(), protocol.NewErrorReply(iq.From, iq.ID, protocol.CodeNotFound, "Not found"))
				return true
			}
			return comp.HandleStanza(st)
		})
	})
	alice := newTestPeer(t, network, aliceJID, withConfig(func(c *Config) { c.Proxy = proxyJID }))
	bob := newTestPeer(t, network, bobJID)

	rec := &recorder{}
	out, err := alice.mgr.Open(bobJID, "", protocol.ModeStream, rec)
	require.NoError(t, err)
	require.NoError(t, bob.nextIncoming(t).Accept())

	err = waitErr(t, out)
	assert.ErrorIs(t, err, ErrProxyFailed)
	assert.Equal(t, StateFailed, out.State())

	_, _, ok := rec.find(EventProxyConnect)
	assert.True(t, ok)
	last := rec.last()
	assert.Equal(t, EventFailed, last.Kind)
	assert.ErrorIs(t, last.Err, ErrProxyFailed)
	waitDone(t, out)
	assert.Empty(t, alice.mgr.Sessions())
}

func TestProxyDiscoveryFailureIsFatalForInitiator(t *testing.T) {
	network := newNetwork(t)
	alice := newTestPeer(t, network, aliceJID, withHosts("127.0.0.1"), withConfig(func(c *Config) {
		c.Proxy = "nobody.example.com"
		c.QueryTimeout = 200 * time.Millisecond
	}))
	newTestPeer(t, network, bobJID)

	rec := &recorder{}
	out, err := alice.mgr.Open(bobJID, "", protocol.ModeStream, rec)
	require.NoError(t, err)

	err = waitErr(t, out)
	assert.ErrorIs(t, err, ErrProxyFailed)
	ev, _, ok := rec.find(EventProxyResult)
	require.True(t, ok)
	assert.False(t, ev.OK)
	_, _, ok = rec.find(EventRequesting)
	assert.False(t, ok, "offer sent without the required proxy")
}

func TestSIDInUse(t *testing.T) {
	network := newNetwork(t)
	alice := newTestPeer(t, network, aliceJID, withHosts("127.0.0.1"))
	bob := newTestPeer(t, network, bobJID)

	out, err := alice.mgr.Open(bobJID, "abc123", protocol.ModeStream)
	require.NoError(t, err)
	assert.Equal(t, "abc123", out.SID())

	_, err = alice.mgr.Open(bobJID, "abc123", protocol.ModeStream)
	assert.ErrorIs(t, err, ErrSIDInUse)
	assert.ErrorIs(t, err, ErrNegotiationRejected)

	in := bob.nextIncoming(t)

	// a second request for the same sid while the first is pending
	dup := protocol.NewRequest(bobJID, "dup-1", "abc123", alice.srv.Candidates(aliceJID), protocol.ModeStream, false)
	require.NoError(t, alice.ep.SendStanza(context.Background(), dup))
	reply := alice.spy.waitIQ(t, "dup-1")
	assert.Equal(t, protocol.TypeError, reply.Type)
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeNotAcceptable, reply.Error.CodeValue())
	assert.Equal(t, protocol.TextSIDInUse, reply.Error.Text)
	assert.ErrorIs(t, remoteError(reply), ErrSIDInUse)

	require.NoError(t, in.Accept())
	aconn := waitConn(t, out)
	bconn := waitConn(t, in)
	exchange(t, aconn, bconn, "still fine")
	assert.Len(t, bob.mgr.Sessions(), 1)
}

func TestEmptyCandidatesRefused(t *testing.T) {
	network := newNetwork(t)
	alice := newTestPeer(t, network, aliceJID)
	bob := newTestPeer(t, network, bobJID)

	out, err := alice.mgr.Open(bobJID, "", protocol.ModeStream)
	require.NoError(t, err)
	assert.Empty(t, out.Offered())

	err = waitErr(t, out)
	assert.ErrorIs(t, err, ErrUnsupported)
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, protocol.CodeNotImplemented, re.Code)

	select {
	case s := <-bob.incoming:
		t.Fatalf("handler called for request without streamhosts: %s", s.SID())
	default:
	}
	assert.Empty(t, bob.mgr.Sessions())
}

func TestRejectIncoming(t *testing.T) {
	network := newNetwork(t)
	alice := newTestPeer(t, network, aliceJID, withHosts("127.0.0.1"))
	bob := newTestPeer(t, network, bobJID)

	out, err := alice.mgr.Open(bobJID, "", protocol.ModeStream)
	require.NoError(t, err)
	in := bob.nextIncoming(t)
	require.NoError(t, in.Reject())
	assert.ErrorIs(t, in.Err(), ErrDeclined)
	assert.ErrorIs(t, in.Accept(), ErrInvalidState)

	err = waitErr(t, out)
	assert.ErrorIs(t, err, ErrDeclined)
	waitDone(t, out)
	assert.Equal(t, 0, alice.srv.Routes())
}

func TestNoIncomingHandlerRefuses(t *testing.T) {
	network := newNetwork(t)
	alice := newTestPeer(t, network, aliceJID, withHosts("127.0.0.1"))
	bob := newTestPeer(t, network, bobJID)
	bob.mgr.OnIncoming(nil)

	out, err := alice.mgr.Open(bobJID, "", protocol.ModeStream)
	require.NoError(t, err)
	assert.ErrorIs(t, waitErr(t, out), ErrDeclined)
}

func TestInitiatorTimeout(t *testing.T) {
	network := newNetwork(t)
	clock := &MockTimeProvider{currentTime: time.Now()}
	alice := newTestPeer(t, network, aliceJID, withHosts("127.0.0.1"), withConfig(func(c *Config) {
		c.TimeProvider = clock
	}))
	bob := newTestPeer(t, network, bobJID)

	rec := &recorder{}
	out, err := alice.mgr.Open(bobJID, "", protocol.ModeStream, rec)
	require.NoError(t, err)
	bob.nextIncoming(t)

	require.Eventually(t, func() bool { return clock.Timers() > 0 }, waitFor, tick)
	clock.Fire()

	err = waitErr(t, out)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, EventFailed, rec.last().Kind)
	waitDone(t, out)
	assert.Equal(t, 0, alice.srv.Routes())
	assert.Equal(t, 0, alice.mgr.GetStats().Pending)
}

func TestTargetTimeoutRepliesTimedOut(t *testing.T) {
	network := newNetwork(t)
	clock := &MockTimeProvider{currentTime: time.Now()}
	alice := newTestPeer(t, network, aliceJID, withHosts("127.0.0.1"))
	bob := newTestPeer(t, network, bobJID, withConfig(func(c *Config) { c.TimeProvider = clock }))

	out, err := alice.mgr.Open(bobJID, "", protocol.ModeStream)
	require.NoError(t, err)
	in := bob.nextIncoming(t)

	require.Eventually(t, func() bool { return clock.Timers() > 0 }, waitFor, tick)
	clock.Fire()
	waitDone(t, in)
	assert.ErrorIs(t, in.Err(), ErrConnectTimeout)

	err = waitErr(t, out)
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, protocol.CodeNotFound, re.Code)
	assert.Equal(t, protocol.TextTimedOut, re.Text)
	assert.ErrorIs(t, err, ErrConnectFailed)
}

func TestCloseReleasesEverything(t *testing.T) {
	network := newNetwork(t)
	alice := newTestPeer(t, network, aliceJID, withHosts("127.0.0.1"))
	bob := newTestPeer(t, network, bobJID)

	rec := &recorder{}
	out, err := alice.mgr.Open(bobJID, "", protocol.ModeStream, rec)
	require.NoError(t, err)
	bob.nextIncoming(t)
	require.Eventually(t, func() bool { return alice.srv.Routes() == 1 }, waitFor, tick)

	require.NoError(t, out.Close())
	assert.Equal(t, 0, alice.srv.Routes())
	assert.Empty(t, alice.mgr.Sessions())
	assert.Equal(t, 0, alice.mgr.GetStats().Pending)
	assert.ErrorIs(t, out.Err(), ErrClosed)
	assert.Equal(t, StateFailed, out.State())

	last := rec.last()
	assert.Equal(t, EventFailed, last.Kind)
	assert.ErrorIs(t, last.Err, ErrClosed)

	seen := rec.count()
	require.NoError(t, out.Close())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, seen, rec.count(), "events after close")

	// nothing routes the closed session's key any more
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(alice.srv.Port())))
	require.NoError(t, err)
	defer conn.Close()
	err = transport.ClientHandshake(conn, out.keySelf, transport.CommandConnect)
	assert.Error(t, err)
}

func TestRouteIsolation(t *testing.T) {
	network := newNetwork(t)
	shared := startServer(t, "127.0.0.1")
	alice := newTestPeer(t, network, aliceJID, withServer(shared))
	carol := newTestPeer(t, network, carolJID, withServer(shared))
	bob := newTestPeer(t, network, bobJID)

	fromAlice, err := alice.mgr.Open(bobJID, "shared-sid", protocol.ModeStream)
	require.NoError(t, err)
	fromCarol, err := carol.mgr.Open(bobJID, "shared-sid", protocol.ModeStream)
	require.NoError(t, err)
	assert.NotEqual(t, fromAlice.keySelf, fromCarol.keySelf)

	inbound := map[string]*Session{}
	for i := 0; i < 2; i++ {
		s := bob.nextIncoming(t)
		inbound[s.Peer()] = s
		require.NoError(t, s.Accept())
	}
	require.Len(t, inbound, 2)

	aconn := waitConn(t, fromAlice)
	cconn := waitConn(t, fromCarol)
	exchange(t, waitConn(t, inbound[aliceJID]), aconn, "for alice")
	exchange(t, waitConn(t, inbound[carolJID]), cconn, "for carol")
	exchange(t, aconn, waitConn(t, inbound[aliceJID]), "from alice")

	// the same sid toward the same peer is refused across managers of one server
	_, err = alice.mgr.Open(bobJID, "shared-sid", protocol.ModeStream)
	assert.ErrorIs(t, err, ErrSIDInUse)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(shared.Port())))
	require.NoError(t, err)
	defer conn.Close()
	err = transport.ClientHandshake(conn, protocol.Hash("other", aliceJID, bobJID), transport.CommandConnect)
	assert.Error(t, err, "unknown key must be refused")
}

func TestFastModeStream(t *testing.T) {
	network := newNetwork(t)
	fast := withConfig(func(c *Config) { c.Symmetric = true })
	alice := newTestPeer(t, network, aliceJID, withHosts("127.0.0.1"), fast)
	bob := newTestPeer(t, network, bobJID, withHosts("127.0.0.1"), fast)

	out, err := alice.mgr.Open(bobJID, "", protocol.ModeStream)
	require.NoError(t, err)
	in := bob.nextIncoming(t)
	require.NoError(t, in.Accept())

	aconn := waitConn(t, out)
	bconn := waitConn(t, in)
	assert.NotEmpty(t, in.Offered(), "fast-mode target offers its own hosts")

	exchange(t, aconn, bconn, "fast ping")
	exchange(t, bconn, aconn, "fast pong")

	require.Eventually(t, func() bool {
		return alice.srv.Routes() == 0 && bob.srv.Routes() == 0
	}, waitFor, tick)
}

func TestFastModeTargetWithoutHostsFallsBack(t *testing.T) {
	network := newNetwork(t)
	alice := newTestPeer(t, network, aliceJID, withHosts("127.0.0.1"), withConfig(func(c *Config) { c.Symmetric = true }))
	bob := newTestPeer(t, network, bobJID, withConfig(func(c *Config) { c.Symmetric = true }))

	out, err := alice.mgr.Open(bobJID, "", protocol.ModeStream)
	require.NoError(t, err)
	in := bob.nextIncoming(t)
	require.NoError(t, in.Accept())

	aconn := waitConn(t, out)
	bconn := waitConn(t, in)
	assert.Empty(t, in.Offered())
	exchange(t, aconn, bconn, "plain mode")
}

func TestDatagramSession(t *testing.T) {
	network := newNetwork(t)
	alice := newTestPeer(t, network, aliceJID, withHosts("127.0.0.1"))
	bob := newTestPeer(t, network, bobJID)

	out, err := alice.mgr.Open(bobJID, "", protocol.ModeDatagram)
	require.NoError(t, err)
	in := bob.nextIncoming(t)
	assert.Equal(t, protocol.ModeDatagram, in.Mode())
	require.NoError(t, in.Accept())

	aconn := waitConn(t, out)
	bconn := waitConn(t, in)
	assert.Equal(t, 1, alice.srv.Routes(), "datagram sessions served by us keep their route")

	_, err = aconn.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrWrongMode)

	require.NoError(t, bconn.WriteDatagram(protocol.Datagram{Source: 7, Dest: 9, Data: []byte("ping")}))
	got := readDatagram(t, aconn)
	assert.Equal(t, protocol.Datagram{Source: 7, Dest: 9, Data: []byte("ping")}, got)

	require.NoError(t, aconn.WriteDatagram(protocol.Datagram{Source: 9, Dest: 7, Data: []byte("pong")}))
	got = readDatagram(t, bconn)
	assert.Equal(t, "pong", string(got.Data))

	require.NoError(t, bconn.Close())
	waitDone(t, out)
	assert.Equal(t, 0, alice.srv.Routes())
}

func readDatagram(t *testing.T, c *Conn) protocol.Datagram {
	t.Helper()
	type result struct {
		d   protocol.Datagram
		err error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := c.ReadDatagram()
		ch <- result{d, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.d
	case <-time.After(waitFor):
		t.Fatalf("no datagram")
		return protocol.Datagram{}
	}
}

func TestManagerCloseEndsSessions(t *testing.T) {
	network := newNetwork(t)
	alice := newTestPeer(t, network, aliceJID, withHosts("127.0.0.1"))
	bob := newTestPeer(t, network, bobJID)

	pending, err := alice.mgr.Open(bobJID, "", protocol.ModeStream)
	require.NoError(t, err)
	active, err := alice.mgr.Open(bobJID, "", protocol.ModeStream)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		s := bob.nextIncoming(t)
		if s.SID() == active.SID() {
			require.NoError(t, s.Accept())
		}
	}
	waitConn(t, active)

	require.NoError(t, alice.mgr.Close())
	assert.ErrorIs(t, pending.Err(), ErrClosed)
	assert.Equal(t, StateIdle, active.State())
	assert.Empty(t, alice.mgr.Sessions())

	_, err = alice.mgr.Open(bobJID, "", protocol.ModeStream)
	assert.ErrorIs(t, err, ErrClosed)
}
