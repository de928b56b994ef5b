package transport

import (
	"errors"
	"net"
	"sync"

	"github.com/opd-ai/s5b/limits"
	"github.com/opd-ai/s5b/protocol"
)

// ErrDatagramClosed is returned by DatagramConn operations after Close.
var ErrDatagramClosed = errors.New("datagram channel closed")

// DatagramConn is the client half of a datagram channel: the SOCKS5 control
// connection plus a UDP socket aimed at the streamhost. Outgoing packets carry
// the SOCKS5 UDP header addressing the session key; incoming packets are
// delivered as sent by the streamhost.
type DatagramConn struct {
	control net.Conn
	udp     net.Conn
	key     protocol.HashKey

	mu     sync.Mutex
	port   uint16
	closed bool
}

func newDatagramConn(control, udp net.Conn, key protocol.HashKey) *DatagramConn {
	return &DatagramConn{control: control, udp: udp, key: key, port: PortInit}
}

// Key returns the session key every outgoing packet is addressed to.
func (d *DatagramConn) Key() protocol.HashKey { return d.key }

// Control returns the SOCKS5 control connection. Closing it ends the channel.
func (d *DatagramConn) Control() net.Conn { return d.control }

// Activate switches outgoing packets from the init port to the data port.
func (d *DatagramConn) Activate() {
	d.mu.Lock()
	d.port = PortData
	d.mu.Unlock()
}

// WriteDatagram sends one payload to the streamhost.
func (d *DatagramConn) WriteDatagram(payload []byte) error {
	d.mu.Lock()
	port, closed := d.port, d.closed
	d.mu.Unlock()
	if closed {
		return ErrDatagramClosed
	}
	packet, err := AppendUDPHeader(payload, d.key, port)
	if err != nil {
		return err
	}
	_, err = d.udp.Write(packet)
	return err
}

// ReadDatagram blocks for the next packet from the streamhost.
func (d *DatagramConn) ReadDatagram() ([]byte, error) {
	buf := make([]byte, limits.MaxUDPPacket)
	n, err := d.udp.Read(buf)
	if err != nil {
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return nil, ErrDatagramClosed
		}
		return nil, err
	}
	return buf[:n], nil
}

// Close releases both sockets.
func (d *DatagramConn) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	return errors.Join(d.udp.Close(), d.control.Close())
}
