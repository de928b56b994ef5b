package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/s5b/protocol"
)

func TestRaceEmptyListFailsImmediately(t *testing.T) {
	start := time.Now()
	_, err := newTestRacer().Race(context.Background(), nil, "k", protocol.ModeStream, 10*time.Second)

	var raceErr *RaceError
	require.ErrorAs(t, err, &raceErr)
	assert.Equal(t, NoCandidates, raceErr.Reason)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRaceFirstSuccessWins(t *testing.T) {
	srv := startServer(t)
	owner := newRecordingOwner()
	key := protocol.Hash("sid", "a@x/r", "b@x/r")
	require.NoError(t, srv.Register(key, owner))

	silentPort, accepted := silentListener(t)
	candidates := []protocol.Candidate{
		localCandidate("silent", silentPort),
		localCandidate("dead", closedPort(t)),
		localCandidate("server", srv.Port()),
	}

	res, err := newTestRacer().Race(context.Background(), candidates, key, protocol.ModeStream, 5*time.Second)
	require.NoError(t, err)
	defer res.Close()
	assert.Equal(t, "server", res.Candidate.JID)
	require.NotNil(t, res.Conn)
	assert.Nil(t, res.Datagram)

	var inbound net.Conn
	select {
	case inbound = <-owner.streams:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not route the winning connection")
	}
	defer inbound.Close()

	_, err = res.Conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(inbound, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	select {
	case loser := <-accepted:
		assert.True(t, waitClosed(loser, 2*time.Second), "losing attempt left open")
	case <-time.After(2 * time.Second):
		t.Fatal("silent candidate was never tried")
	}
}

func TestRaceAllUnreachableWaitsForDeadline(t *testing.T) {
	candidates := []protocol.Candidate{
		localCandidate("a", closedPort(t)),
		localCandidate("b", closedPort(t)),
	}
	timeout := 300 * time.Millisecond

	start := time.Now()
	_, err := newTestRacer().Race(context.Background(), candidates, "k", protocol.ModeStream, timeout)
	elapsed := time.Since(start)

	var raceErr *RaceError
	require.ErrorAs(t, err, &raceErr)
	assert.Equal(t, Unreachable, raceErr.Reason)
	assert.GreaterOrEqual(t, elapsed, timeout)
}

func TestRaceFailFast(t *testing.T) {
	r := newTestRacer()
	r.FailFast = true

	start := time.Now()
	_, err := r.Race(context.Background(), []protocol.Candidate{localCandidate("a", closedPort(t))}, "k", protocol.ModeStream, 5*time.Second)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRaceTimeoutWithPendingAttempt(t *testing.T) {
	port, accepted := silentListener(t)

	_, err := newTestRacer().Race(context.Background(), []protocol.Candidate{localCandidate("silent", port)}, "k", protocol.ModeStream, 200*time.Millisecond)
	var raceErr *RaceError
	require.ErrorAs(t, err, &raceErr)
	assert.Equal(t, Timeout, raceErr.Reason)

	conn := <-accepted
	assert.True(t, waitClosed(conn, 2*time.Second))
}

func TestRaceBadReply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 3)
			_, _ = io.ReadFull(c, buf)
			_, _ = c.Write([]byte("HTTP/1.1 400"))
			_ = c.Close()
		}
	}()

	r := newTestRacer()
	r.FailFast = true
	_, err = r.Race(context.Background(), []protocol.Candidate{localCandidate("http", ln.Addr().(*net.TCPAddr).Port)}, "k", protocol.ModeStream, 5*time.Second)
	var raceErr *RaceError
	require.ErrorAs(t, err, &raceErr)
	assert.Equal(t, BadReply, raceErr.Reason)
}

func TestRaceCancelReleasesSockets(t *testing.T) {
	port, accepted := silentListener(t)
	race := newTestRacer().Start(context.Background(), []protocol.Candidate{
		localCandidate("silent-1", port),
		localCandidate("silent-2", port),
	}, "k", protocol.ModeStream, 10*time.Second)

	var conns []net.Conn
	for len(conns) < 2 {
		select {
		case c := <-accepted:
			conns = append(conns, c)
		case <-time.After(2 * time.Second):
			t.Fatal("attempts were not launched")
		}
	}

	race.Cancel()
	_, err := race.Result()
	var raceErr *RaceError
	require.ErrorAs(t, err, &raceErr)
	assert.Equal(t, Cancelled, raceErr.Reason)
	assert.True(t, errors.Is(err, context.Canceled))

	for _, c := range conns {
		assert.True(t, waitClosed(c, 2*time.Second), "cancelled attempt left open")
	}
}

func TestRaceRespectsMaxParallel(t *testing.T) {
	port, accepted := silentListener(t)
	r := newTestRacer()
	r.MaxParallel = 1
	r.Stagger = time.Millisecond

	race := r.Start(context.Background(), []protocol.Candidate{
		localCandidate("silent-1", port),
		localCandidate("silent-2", port),
	}, "k", protocol.ModeStream, 10*time.Second)
	defer race.Cancel()

	<-accepted
	select {
	case <-accepted:
		t.Fatal("second attempt launched while the first was in flight")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRaceDatagram(t *testing.T) {
	srv := startServer(t)
	owner := newRecordingOwner()
	key := protocol.Hash("sid", "a@x/r", "b@x/r")
	require.NoError(t, srv.Register(key, owner))

	r := newTestRacer()
	race := r.Start(context.Background(), []protocol.Candidate{localCandidate("server@x/r", srv.Port())}, key, protocol.ModeDatagram, 5*time.Second)

	var first datagramEvent
	select {
	case first = <-owner.datagrams:
	case <-time.After(2 * time.Second):
		t.Fatal("no init packet")
	}
	assert.True(t, first.init)
	assert.Equal(t, key, first.key)
	assert.Equal(t, r.SelfJID, string(first.payload))
	race.NotifyUDPSuccess("server@x/r")

	res, err := race.Wait(context.Background())
	require.NoError(t, err)
	defer res.Close()
	require.NotNil(t, res.Datagram)

	control := <-owner.streams
	defer control.Close()

	require.NoError(t, res.Datagram.WriteDatagram([]byte("data")))
	for ev := range owner.datagrams {
		if ev.init {
			continue
		}
		assert.Equal(t, "data", string(ev.payload))
		break
	}

	require.NoError(t, srv.WriteDatagram(first.from, []byte("pong")))
	got, err := res.Datagram.ReadDatagram()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))
}

func TestRaceDatagramWithoutConfirmation(t *testing.T) {
	srv := startServer(t)
	owner := newRecordingOwner()
	key := protocol.HashKey("unconfirmed")
	require.NoError(t, srv.Register(key, owner))

	r := newTestRacer()
	r.FailFast = true
	r.InitInterval = 20 * time.Millisecond
	r.InitTries = 2

	_, err := r.Race(context.Background(), []protocol.Candidate{localCandidate("server", srv.Port())}, key, protocol.ModeDatagram, 5*time.Second)
	assert.ErrorIs(t, err, ErrNoUDPSuccess)
	assert.ErrorIs(t, err, ErrConnectFailed)
}
