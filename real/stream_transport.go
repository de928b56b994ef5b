package real

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/s5b/interfaces"
	"github.com/opd-ai/s5b/protocol"
)

// Sleeper provides an abstraction over time.Sleep for deterministic testing.
type Sleeper interface {
	// Sleep pauses execution for the specified duration.
	Sleep(d time.Duration)
}

// DefaultSleeper implements Sleeper using the standard library time.Sleep.
type DefaultSleeper struct{}

// Sleep pauses execution for the specified duration using time.Sleep.
func (DefaultSleeper) Sleep(d time.Duration) {
	time.Sleep(d)
}

// deadliner is implemented by writers that support write deadlines, such as net.Conn.
type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// StreamTransport writes stanzas to a live XMPP stream.
type StreamTransport struct {
	w       io.Writer
	config  *interfaces.StanzaTransportConfig
	mu      sync.Mutex
	sleeper Sleeper
}

// NewStreamTransport creates a stanza transport writing to w. When w
// supports write deadlines each stanza write is bounded by SendTimeout.
func NewStreamTransport(w io.Writer, config *interfaces.StanzaTransportConfig) *StreamTransport {
	if config == nil {
		config = interfaces.DefaultStanzaTransportConfig()
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewStreamTransport",
		"timeout":  config.SendTimeout,
		"retries":  config.RetryAttempts,
	}).Debug("Creating stream stanza transport")

	return &StreamTransport{w: w, config: config, sleeper: DefaultSleeper{}}
}

// SetSleeper sets a custom Sleeper implementation (primarily for testing).
func (t *StreamTransport) SetSleeper(s Sleeper) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sleeper = s
}

// IsSimulation implements IStanzaTransport.IsSimulation
func (t *StreamTransport) IsSimulation() bool { return false }

// SendStanza implements IStanzaTransport.SendStanza. A write that timed out
// before any byte left is retried; a partial write is fatal for the stream.
func (t *StreamTransport) SendStanza(ctx context.Context, stanza protocol.Stanza) error {
	data, err := protocol.Encode(stanza)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	attempts := t.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := t.write(data)
		if err == nil {
			return nil
		}
		lastErr = err
		if n > 0 || !isTimeout(err) {
			break
		}
		logrus.WithFields(logrus.Fields{
			"function": "StreamTransport.SendStanza",
			"attempt":  attempt + 1,
			"error":    err.Error(),
		}).Warn("Stanza write timed out, retrying")
		if attempt < attempts-1 {
			t.sleeper.Sleep(time.Duration(500*(attempt+1)) * time.Millisecond)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "StreamTransport.SendStanza",
		"error":    lastErr.Error(),
	}).Error("Stanza write failed")
	return fmt.Errorf("failed to send stanza: %w", lastErr)
}

func (t *StreamTransport) write(data []byte) (int, error) {
	if d, ok := t.w.(deadliner); ok && t.config.SendTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(t.config.SendTimeout))
		defer d.SetWriteDeadline(time.Time{})
	}
	return t.w.Write(data)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Serve decodes stanzas from r and hands each to handler until r is
// exhausted or ctx is done. Stanzas may be wrapped in a stream element;
// elements other than iq and message are skipped.
func Serve(ctx context.Context, r io.Reader, handler interfaces.StanzaHandler) error {
	d := xml.NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tok, err := d.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stanza: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "stream":
			// descend into the stream wrapper
			continue
		case "iq", "message":
		default:
			if err := d.Skip(); err != nil {
				return fmt.Errorf("read stanza: %w", err)
			}
			continue
		}

		stanza, err := protocol.DecodeElement(d, start)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"element":  start.Name.Local,
				"error":    err.Error(),
			}).Warn("Discarding undecodable stanza")
			continue
		}
		if !handler.HandleStanza(stanza) {
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"from":     stanza.Head().From,
				"id":       stanza.Head().ID,
			}).Debug("Stanza not handled")
		}
	}
}
