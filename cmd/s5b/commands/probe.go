package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/net/proxy"

	"github.com/opd-ai/s5b/protocol"
	"github.com/opd-ai/s5b/transport"
)

var (
	okText   = color.New(color.FgGreen, color.Bold).SprintFunc()
	warnText = color.New(color.FgYellow, color.Bold).SprintFunc()
	failText = color.New(color.FgRed, color.Bold).SprintFunc()
)

// probe <host:port>: check that a streamhost speaks the bytestream SOCKS5 subset.
func probeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <host:port>",
		Short: "Check that a streamhost answers the bytestream SOCKS5 handshake",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.Context(), args[0])
		},
	}
	f := cmd.Flags()
	f.String("sid", "s5b_probe", "session id hashed into the destination key")
	f.String("initiator", "probe@localhost/s5b", "initiator JID hashed into the key")
	f.String("target", "target@localhost/s5b", "target JID hashed into the key")
	f.Bool("udp", false, "send UDP ASSOCIATE instead of CONNECT")
	f.String("upstream", "", "reach the streamhost through this SOCKS5 proxy (host:port)")
	f.Duration("timeout", 10*time.Second, "handshake deadline")
	return cmd
}

func probeDialer() (proxy.ContextDialer, error) {
	if up := settings.GetString("upstream"); up != "" {
		return transport.UpstreamSOCKS5(up, nil)
	}
	return transport.EnvironmentDialer(), nil
}

func runProbe(ctx context.Context, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := settings.GetDuration("timeout")
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	key := protocol.Hash(settings.GetString("sid"), settings.GetString("initiator"), settings.GetString("target"))
	cmd := transport.CommandConnect
	if settings.GetBool("udp") {
		cmd = transport.CommandUDPAssociate
	}
	log := logrus.WithFields(logrus.Fields{
		"function": "runProbe",
		"address":  addr,
		"key":      key,
	})

	dialer, err := probeDialer()
	if err != nil {
		return err
	}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		fmt.Printf("%s %s: %v\n", failText("UNREACHABLE"), addr, err)
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	log.Debug("Connected, starting handshake")
	err = transport.ClientHandshake(conn, key, cmd)
	elapsed := time.Since(start).Round(time.Millisecond)
	switch {
	case err == nil:
		fmt.Printf("%s %s accepted key %s (%v)\n", okText("OK"), addr, key, elapsed)
		return nil
	case errors.Is(err, transport.ErrRejected):
		// a peer's own server refuses keys it has no session for
		fmt.Printf("%s %s speaks the protocol but refused the key: %v (%v)\n", warnText("REFUSED"), addr, err, elapsed)
		return nil
	default:
		fmt.Printf("%s %s: %v\n", failText("FAIL"), addr, err)
		return err
	}
}
