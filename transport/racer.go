package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/opd-ai/s5b/limits"
	"github.com/opd-ai/s5b/protocol"
)

// ErrConnectFailed indicates that no candidate produced a transport.
var ErrConnectFailed = errors.New("could not connect to any candidate")

// FailureReason classifies a failed race.
type FailureReason int

const (
	// NoCandidates means the candidate list was empty.
	NoCandidates FailureReason = iota
	// Unreachable means every attempt was refused or could not be dialed.
	Unreachable
	// BadReply means at least one candidate answered with a malformed handshake.
	BadReply
	// Timeout means the deadline passed without a successful attempt.
	Timeout
	// Cancelled means the caller aborted the race.
	Cancelled
)

func (r FailureReason) String() string {
	switch r {
	case NoCandidates:
		return "no candidates"
	case Unreachable:
		return "unreachable"
	case BadReply:
		return "bad reply"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// RaceError reports why a race produced no transport.
type RaceError struct {
	Reason FailureReason
	Err    error
}

func (e *RaceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v (%s): %v", ErrConnectFailed, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v (%s)", ErrConnectFailed, e.Reason)
}

// Unwrap exposes ErrConnectFailed and the last attempt error.
func (e *RaceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConnectFailed}
	}
	return []error{ErrConnectFailed, e.Err}
}

// Result is the winning attempt of a race. Exactly one of Conn and
// Datagram is set.
type Result struct {
	Candidate protocol.Candidate
	Conn      net.Conn
	Datagram  *DatagramConn
}

// Close releases the transport held by the result.
func (r *Result) Close() error {
	if r.Datagram != nil {
		return r.Datagram.Close()
	}
	if r.Conn != nil {
		return r.Conn.Close()
	}
	return nil
}

// Racer opens transports to candidate streamhosts, first success wins.
type Racer struct {
	// Dialer opens the TCP connection to each candidate. It defaults to
	// proxy.FromEnvironment so ALL_PROXY applies to outbound candidate dials.
	Dialer proxy.ContextDialer

	// SelfJID is sent as the payload of datagram init packets.
	SelfJID string

	// Stagger delays the launch of each subsequent candidate unless the
	// previous attempt has already failed.
	Stagger time.Duration

	// MaxParallel bounds concurrent attempts; zero means unbounded.
	MaxParallel int

	// FailFast reports failure as soon as every attempt has failed instead of
	// waiting for the deadline.
	FailFast bool

	// InitInterval and InitTries control datagram init retransmission.
	InitInterval time.Duration
	InitTries    int
}

// NewRacer returns a Racer with default pacing.
func NewRacer(selfJID string) *Racer {
	return &Racer{
		Dialer:       EnvironmentDialer(),
		SelfJID:      selfJID,
		Stagger:      250 * time.Millisecond,
		InitInterval: limits.UDPInitInterval,
		InitTries:    limits.UDPInitTries,
	}
}

// EnvironmentDialer returns the dialer configured by the ALL_PROXY and
// NO_PROXY environment variables, or a direct dialer.
func EnvironmentDialer() proxy.ContextDialer {
	if d, ok := proxy.FromEnvironment().(proxy.ContextDialer); ok {
		return d
	}
	return &net.Dialer{}
}

// UpstreamSOCKS5 returns a dialer that reaches candidates through a SOCKS5
// proxy at addr.
func UpstreamSOCKS5(addr string, auth *proxy.Auth) (proxy.ContextDialer, error) {
	d, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("upstream socks5 %s: %w", addr, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("upstream socks5 %s: dialer has no context support", addr)
	}
	return cd, nil
}

// Race runs a race to completion.
func (r *Racer) Race(ctx context.Context, candidates []protocol.Candidate, key protocol.HashKey, mode protocol.Mode, timeout time.Duration) (*Result, error) {
	race := r.Start(ctx, candidates, key, mode, timeout)
	return race.Wait(ctx)
}

// Start launches a race in the background. Candidates are tried in the
// order given.
func (r *Racer) Start(ctx context.Context, candidates []protocol.Candidate, key protocol.HashKey, mode protocol.Mode, timeout time.Duration) *Race {
	rctx, cancel := context.WithCancel(ctx)
	race := &Race{
		racer:      r,
		candidates: append([]protocol.Candidate(nil), candidates...),
		key:        key,
		mode:       mode,
		cancel:     cancel,
		done:       make(chan struct{}),
		udpOK:      make([]chan struct{}, len(candidates)),
	}
	for i := range race.udpOK {
		race.udpOK[i] = make(chan struct{})
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Racer.Start",
		"key":        key,
		"mode":       mode.String(),
		"candidates": len(candidates),
		"timeout":    timeout,
	}).Debug("Starting candidate race")

	go race.run(rctx, timeout)
	return race
}

// Race is one in-flight set of attempts for a session key.
type Race struct {
	racer      *Racer
	candidates []protocol.Candidate
	key        protocol.HashKey
	mode       protocol.Mode
	cancel     context.CancelFunc
	done       chan struct{}

	mu      sync.Mutex
	udpOK   []chan struct{}
	udpSeen []bool
	result  *Result
	err     error
}

// Done is closed once the race has a result and every losing attempt has
// released its socket.
func (rc *Race) Done() <-chan struct{} { return rc.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (rc *Race) Result() (*Result, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.result, rc.err
}

// Wait blocks until the race finishes or ctx is done. Abandoning the wait
// does not cancel the race.
func (rc *Race) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-rc.done:
		return rc.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts every outstanding attempt and waits until their sockets are
// closed. A winner already produced is closed too.
func (rc *Race) Cancel() {
	rc.cancel()
	<-rc.done

	rc.mu.Lock()
	res := rc.result
	rc.result = nil
	if res != nil {
		rc.err = &RaceError{Reason: Cancelled, Err: context.Canceled}
	}
	rc.mu.Unlock()
	if res != nil {
		_ = res.Close()
	}
}

// NotifyUDPSuccess completes the datagram attempts against streamHost once
// the streamhost reports that our init packet arrived.
func (rc *Race) NotifyUDPSuccess(streamHost string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.udpSeen == nil {
		rc.udpSeen = make([]bool, len(rc.candidates))
	}
	for i, c := range rc.candidates {
		if protocol.SameJID(c.JID, streamHost) && !rc.udpSeen[i] {
			rc.udpSeen[i] = true
			close(rc.udpOK[i])
		}
	}
}

type attemptResult struct {
	index int
	conn  net.Conn
	dgram *DatagramConn
	err   error
}

func (rc *Race) run(parent context.Context, timeout time.Duration) {
	defer close(rc.done)
	defer rc.cancel()

	if len(rc.candidates) == 0 {
		rc.finish(nil, &RaceError{Reason: NoCandidates})
		return
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	results := make(chan attemptResult, len(rc.candidates))
	var wg sync.WaitGroup
	launch := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, dgram, err := rc.attempt(ctx, i)
			results <- attemptResult{index: i, conn: conn, dgram: dgram, err: err}
		}()
	}

	stagger := time.NewTimer(rc.racer.Stagger)
	defer stagger.Stop()

	next, inflight, failed := 0, 0, 0
	canLaunch := func() bool {
		return next < len(rc.candidates) && (rc.racer.MaxParallel <= 0 || inflight < rc.racer.MaxParallel)
	}
	launchNext := func() {
		if canLaunch() {
			launch(next)
			next++
			inflight++
			stagger.Reset(rc.racer.Stagger)
		}
	}
	launchNext()

	var winner *attemptResult
	var lastErr error
	badReply := false
	allFailed := false

loop:
	for {
		select {
		case res := <-results:
			inflight--
			if res.err == nil {
				winner = &res
				break loop
			}
			failed++
			lastErr = res.err
			if errors.Is(res.err, ErrBadReply) || errors.Is(res.err, ErrNoAcceptableMethod) {
				badReply = true
			}
			if failed == len(rc.candidates) {
				allFailed = true
				if rc.racer.FailFast {
					break loop
				}
				// nothing left to try; hold the failure until the deadline
				<-ctx.Done()
				break loop
			}
			launchNext()
		case <-stagger.C:
			launchNext()
		case <-ctx.Done():
			break loop
		}
	}
	cancel()
	wg.Wait()
	close(results)
	for res := range results {
		closeAttempt(res)
	}

	if winner != nil {
		c := rc.candidates[winner.index]
		logrus.WithFields(logrus.Fields{
			"function":  "Race.run",
			"key":       rc.key,
			"candidate": c.JID,
			"address":   c.Address(),
		}).Debug("Candidate race won")
		rc.finish(&Result{Candidate: c, Conn: winner.conn, Datagram: winner.dgram}, nil)
		return
	}

	reason := Timeout
	switch {
	case parent.Err() != nil:
		reason = Cancelled
		lastErr = parent.Err()
	case allFailed && badReply:
		reason = BadReply
	case allFailed:
		reason = Unreachable
	}
	logrus.WithFields(logrus.Fields{
		"function": "Race.run",
		"key":      rc.key,
		"reason":   reason.String(),
		"tried":    next,
	}).Debug("Candidate race failed")
	rc.finish(nil, &RaceError{Reason: reason, Err: lastErr})
}

func (rc *Race) finish(res *Result, err error) {
	rc.mu.Lock()
	rc.result, rc.err = res, err
	rc.mu.Unlock()
}

func closeAttempt(res attemptResult) {
	if res.dgram != nil {
		_ = res.dgram.Close()
	} else if res.conn != nil {
		_ = res.conn.Close()
	}
}

// ErrNoUDPSuccess indicates a datagram streamhost never confirmed our init packets.
var ErrNoUDPSuccess = errors.New("datagram init not confirmed")

func (rc *Race) attempt(ctx context.Context, i int) (net.Conn, *DatagramConn, error) {
	c := rc.candidates[i]
	log := logrus.WithFields(logrus.Fields{
		"function":  "Race.attempt",
		"key":       rc.key,
		"candidate": c.JID,
		"address":   c.Address(),
	})
	log.Debug("Trying candidate")

	dialer := rc.racer.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.Address())
	if err != nil {
		log.WithField("error", err.Error()).Debug("Candidate dial failed")
		return nil, nil, err
	}

	cmd := CommandConnect
	if rc.mode == protocol.ModeDatagram {
		cmd = CommandUDPAssociate
	}
	// unblock the handshake when the race ends
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	err = ClientHandshake(conn, rc.key, cmd)
	if !stop() {
		_ = conn.Close()
		return nil, nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		log.WithField("error", err.Error()).Debug("Candidate handshake failed")
		return nil, nil, err
	}
	if rc.mode == protocol.ModeStream {
		return conn, nil, nil
	}

	var d net.Dialer
	udp, err := d.DialContext(ctx, "udp", c.Address())
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	dgram := newDatagramConn(conn, udp, rc.key)
	if err := rc.initDatagram(ctx, i, dgram); err != nil {
		_ = dgram.Close()
		log.WithField("error", err.Error()).Debug("Datagram init failed")
		return nil, nil, err
	}
	dgram.Activate()
	return nil, dgram, nil
}

// initDatagram sends our JID to the init port until the streamhost confirms
// it or the retry budget runs out.
func (rc *Race) initDatagram(ctx context.Context, i int, dgram *DatagramConn) error {
	interval, tries := rc.racer.InitInterval, rc.racer.InitTries
	if interval <= 0 {
		interval = limits.UDPInitInterval
	}
	if tries <= 0 {
		tries = limits.UDPInitTries
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	payload := []byte(rc.racer.SelfJID)
	for sent := 0; ; sent++ {
		if sent == tries {
			return fmt.Errorf("%w after %d packets", ErrNoUDPSuccess, sent)
		}
		if err := dgram.WriteDatagram(payload); err != nil {
			return err
		}
		select {
		case <-rc.udpOK[i]:
			return nil
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
