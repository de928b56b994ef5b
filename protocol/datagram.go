package protocol

import (
	"encoding/binary"

	"github.com/opd-ai/s5b/limits"
)

// Datagram is one application datagram with its virtual ports.
type Datagram struct {
	Source uint16
	Dest   uint16
	Data   []byte
}

// MarshalEnvelope prefixes the payload with the {source port, dest port} envelope.
func (d Datagram) MarshalEnvelope() ([]byte, error) {
	if err := limits.ValidateDatagramPayload(d.Data); err != nil {
		return nil, err
	}
	buf := make([]byte, limits.DatagramHeaderSize+len(d.Data))
	binary.BigEndian.PutUint16(buf[0:2], d.Source)
	binary.BigEndian.PutUint16(buf[2:4], d.Dest)
	copy(buf[4:], d.Data)
	return buf, nil
}

// ParseEnvelope splits a received packet into its ports and payload.
func ParseEnvelope(packet []byte) (Datagram, error) {
	if err := limits.ValidateEnvelope(packet); err != nil {
		return Datagram{}, err
	}
	data := make([]byte, len(packet)-limits.DatagramHeaderSize)
	copy(data, packet[limits.DatagramHeaderSize:])
	return Datagram{
		Source: binary.BigEndian.Uint16(packet[0:2]),
		Dest:   binary.BigEndian.Uint16(packet[2:4]),
		Data:   data,
	}, nil
}
