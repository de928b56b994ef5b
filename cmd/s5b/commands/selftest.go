package commands

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/s5b"
	"github.com/opd-ai/s5b/factory"
	"github.com/opd-ai/s5b/interfaces"
	"github.com/opd-ai/s5b/protocol"
	"github.com/opd-ai/s5b/real"
	"github.com/opd-ai/s5b/relay"
	simulation "github.com/opd-ai/s5b/testing"
	"github.com/opd-ai/s5b/transport"
)

const (
	selftestInitiator = "alice@selftest.local/s5b"
	selftestTarget    = "bob@selftest.local/s5b"
	selftestProxy     = "proxy.selftest.local"

	// advertised instead of the real address to force the proxy path
	unroutableHost = "192.0.2.1"
)

// selftest: two in-process accounts negotiate over loopback and move a payload.
func selftestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Negotiate a session between two local accounts and transfer data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.Bool("proxy", false, "run an in-process relay and force the session through it")
	f.Bool("fast", false, "enable the symmetric (fast) connect policy on both sides")
	f.Bool("wire", false, "carry stanzas over a loopback TCP stream instead of the simulated network")
	f.String("mode", "tcp", "transport mode: tcp or udp")
	f.Int("size", 1<<20, "stream payload size in bytes")
	f.Int("datagrams", 32, "datagrams to send in udp mode")
	f.Duration("timeout", 30*time.Second, "overall deadline")
	return cmd
}

// selftestEnv is the wiring of one selftest run.
type selftestEnv struct {
	server  *transport.Server
	relay   *relay.Relay
	alice   *s5b.Manager
	bob     *s5b.Manager
	cleanup []func()

	// ends of the loopback stanza stream in --wire mode
	aliceSide net.Conn
	bobSide   net.Conn
}

func (e *selftestEnv) close() {
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		e.cleanup[i]()
	}
}

func runSelftest(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, settings.GetDuration("timeout"))
	defer cancel()

	useProxy, wire := settings.GetBool("proxy"), settings.GetBool("wire")
	if useProxy && wire {
		return errors.New("--proxy needs the simulated network: a stream carries only two parties")
	}
	mode := protocol.ParseMode(settings.GetString("mode"))

	env, err := buildSelftest(ctx, useProxy, wire)
	if err != nil {
		return err
	}
	defer env.close()

	accepted := make(chan *s5b.Session, 1)
	env.bob.OnIncoming(func(s *s5b.Session) {
		if err := s.Accept(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runSelftest",
				"error":    err.Error(),
			}).Error("Accept failed")
			return
		}
		accepted <- s
	})

	start := time.Now()
	out, err := env.alice.Open(selftestTarget, "", mode, s5b.ObserverFunc(printEvent))
	if err != nil {
		return err
	}
	var in *s5b.Session
	select {
	case in = <-accepted:
	case <-ctx.Done():
		fmt.Printf("%s no request reached the target\n", failText("FAIL"))
		return ctx.Err()
	}

	var aconn, bconn *s5b.Conn
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		aconn, err = out.Wait(gctx)
		return err
	})
	g.Go(func() (err error) {
		bconn, err = in.Wait(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		fmt.Printf("%s negotiation: %v\n", failText("FAIL"), err)
		return err
	}
	chosen, _ := out.Chosen()
	fmt.Printf("%s negotiated sid %s via %s (%s) in %v\n",
		okText("OK"), out.SID(), chosen.JID, chosen.Address(), time.Since(start).Round(time.Millisecond))

	if mode == protocol.ModeDatagram {
		err = transferDatagrams(ctx, aconn, bconn, settings.GetInt("datagrams"))
	} else {
		err = transferStream(ctx, aconn, bconn, settings.GetInt("size"))
	}
	if err != nil {
		fmt.Printf("%s transfer: %v\n", failText("FAIL"), err)
		return err
	}
	_ = aconn.Close()
	return nil
}

func buildSelftest(ctx context.Context, useProxy, wire bool) (*selftestEnv, error) {
	env := &selftestEnv{server: transport.NewServer()}
	if err := env.server.StartOn("127.0.0.1", 0); err != nil {
		return nil, err
	}
	env.cleanup = append(env.cleanup, env.server.Stop)
	if useProxy {
		env.server.SetHostList([]string{unroutableHost})
	} else {
		env.server.SetHostList([]string{"127.0.0.1"})
	}

	f := factory.NewStanzaTransportFactory()
	if wire {
		f.SwitchToReal()
	} else {
		f.SwitchToSimulation()
	}

	newConfig := func(jid string) s5b.Config {
		cfg := s5b.DefaultConfig(jid)
		cfg.Server = env.server
		cfg.Symmetric = settings.GetBool("fast")
		if useProxy {
			cfg.Proxy = selftestProxy
		}
		return cfg
	}

	var aliceTr, bobTr interfaces.IStanzaTransport
	var err error
	if wire {
		aliceTr, bobTr, err = wireTransports(ctx, env, f)
	} else {
		aliceTr, err = f.CreateStanzaTransport(selftestInitiator, nil)
		if err == nil {
			bobTr, err = f.CreateStanzaTransport(selftestTarget, nil)
		}
	}
	if err != nil {
		env.close()
		return nil, err
	}

	if env.alice, err = s5b.NewManager(newConfig(selftestInitiator), aliceTr); err != nil {
		env.close()
		return nil, err
	}
	if env.bob, err = s5b.NewManager(newConfig(selftestTarget), bobTr); err != nil {
		env.close()
		return nil, err
	}
	env.cleanup = append(env.cleanup, func() { _ = env.alice.Close() }, func() { _ = env.bob.Close() })

	if !wire {
		aliceTr.(*simulation.Endpoint).SetHandler(env.alice)
		bobTr.(*simulation.Endpoint).SetHandler(env.bob)
		env.cleanup = append(env.cleanup, f.Network().Close)
	} else {
		env.wire(ctx)
	}

	if useProxy {
		if err := startSelftestRelay(env, f); err != nil {
			env.close()
			return nil, err
		}
	}
	return env, nil
}

func startSelftestRelay(env *selftestEnv, f *factory.StanzaTransportFactory) error {
	env.relay = relay.New()
	if err := env.relay.Listen("127.0.0.1:0"); err != nil {
		return err
	}
	env.cleanup = append(env.cleanup, func() { _ = env.relay.Close() })

	tr, err := f.CreateStanzaTransport(selftestProxy, nil)
	if err != nil {
		return err
	}
	comp := relay.NewComponent(selftestProxy, "127.0.0.1", env.relay, tr)
	tr.(*simulation.Endpoint).SetHandler(comp)
	fmt.Printf("relay %s listening on %s\n", selftestProxy, env.relay.Addr())
	return nil
}

// wireTransports connects the accounts through a loopback TCP stream, each
// direction carrying encoded stanzas.
func wireTransports(ctx context.Context, env *selftestEnv, f *factory.StanzaTransportFactory) (interfaces.IStanzaTransport, interfaces.IStanzaTransport, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	var d net.Dialer
	aliceSide, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}
	bobSide, ok := <-accepted
	if !ok {
		_ = aliceSide.Close()
		return nil, nil, errors.New("loopback stanza stream not accepted")
	}
	env.aliceSide, env.bobSide = aliceSide, bobSide
	env.cleanup = append(env.cleanup, func() {
		_ = aliceSide.Close()
		_ = bobSide.Close()
	})

	aliceTr, err := f.CreateStanzaTransport(selftestInitiator, aliceSide)
	if err != nil {
		return nil, nil, err
	}
	bobTr, err := f.CreateStanzaTransport(selftestTarget, bobSide)
	if err != nil {
		return nil, nil, err
	}
	return aliceTr, bobTr, nil
}

// wire starts decoding each side's inbound stanzas into its manager.
func (e *selftestEnv) wire(ctx context.Context) {
	serve := func(name string, r io.Reader, h interfaces.StanzaHandler) {
		if err := real.Serve(ctx, r, h); err != nil && ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "selftestEnv.wire",
				"side":     name,
				"error":    err.Error(),
			}).Debug("Stanza stream ended")
		}
	}
	go serve("initiator", e.aliceSide, e.alice)
	go serve("target", e.bobSide, e.bob)
}

func transferStream(ctx context.Context, from, to *s5b.Conn, size int) error {
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		return err
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := from.Write(payload); err != nil {
			return err
		}
		return from.Flush(ctx)
	})
	got := make([]byte, size)
	g.Go(func() error {
		if deadline, ok := ctx.Deadline(); ok {
			_ = to.SetReadDeadline(deadline)
		}
		_, err := io.ReadFull(to, got)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if !bytes.Equal(payload, got) {
		return errors.New("payload corrupted in transit")
	}
	elapsed := time.Since(start)
	rate := float64(size) / elapsed.Seconds() / (1 << 20)
	fmt.Printf("%s %d bytes in %v (%.1f MiB/s)\n", okText("OK"), size, elapsed.Round(time.Millisecond), rate)
	return nil
}

func transferDatagrams(ctx context.Context, from, to *s5b.Conn, count int) error {
	received := make(chan protocol.Datagram, count)
	go func() {
		for {
			d, err := to.ReadDatagram()
			if err != nil {
				return
			}
			received <- d
		}
	}()

	for i := 0; i < count; i++ {
		d := protocol.Datagram{Source: uint16(i), Dest: 1, Data: []byte(fmt.Sprintf("datagram %d", i))}
		if err := from.WriteDatagram(d); err != nil {
			return err
		}
	}

	got := 0
	quiet := time.NewTimer(2 * time.Second)
	defer quiet.Stop()
	for got < count {
		select {
		case <-received:
			got++
		case <-quiet.C:
			return reportDatagrams(got, count)
		case <-ctx.Done():
			return reportDatagrams(got, count)
		}
	}
	return reportDatagrams(got, count)
}

func reportDatagrams(got, sent int) error {
	switch {
	case got == sent:
		fmt.Printf("%s %d/%d datagrams delivered\n", okText("OK"), got, sent)
		return nil
	case got > 0:
		fmt.Printf("%s %d/%d datagrams delivered\n", warnText("LOSS"), got, sent)
		return nil
	default:
		return fmt.Errorf("none of %d datagrams arrived", sent)
	}
}

var eventColor = map[s5b.EventKind]*color.Color{
	s5b.EventConnected: color.New(color.FgGreen),
	s5b.EventFailed:    color.New(color.FgRed),
	s5b.EventClosed:    color.New(color.FgCyan),
}

func printEvent(ev s5b.Event) {
	c, ok := eventColor[ev.Kind]
	if !ok {
		c = color.New(color.Faint)
	}
	line := fmt.Sprintf("  [%s] %s", ev.Session.SID(), ev.Kind)
	switch {
	case ev.Kind == s5b.EventTryingHosts:
		line += fmt.Sprintf(" (%d candidates)", len(ev.Hosts))
	case ev.Kind == s5b.EventProxyResult:
		line += fmt.Sprintf(" ok=%v", ev.OK)
	case ev.Err != nil:
		line += ": " + ev.Err.Error()
	case ev.Candidate.JID != "":
		line += " " + ev.Candidate.JID
	}
	c.Println(line)
}
