package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrMalformedFrame reports a datagram too short to hold the header, or
// shorter than the length its header declares.
var ErrMalformedFrame = errors.New("malformed frame")

// Encode serializes a Packet into its on-wire form for UDP transmission.
func Encode(pkt *Packet) []byte {
	buf := make([]byte, HeaderLen+len(pkt.Payload))
	pkt.Header.SeqNumber.Put(buf[0:3])
	buf[3] = pkt.Header.Flags
	binary.BigEndian.PutUint16(buf[4:6], pkt.Header.Length)
	binary.BigEndian.PutUint16(buf[6:8], pkt.Header.Checksum)
	if len(pkt.Payload) > 0 {
		copy(buf[HeaderLen:], pkt.Payload)
	}
	return buf
}

// Decode deserializes a datagram into a Packet. The payload is copied, not
// aliased to the input buffer.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, errors.Wrapf(ErrMalformedFrame, "datagram %d bytes (need at least %d)", len(data), HeaderLen)
	}
	pkt := &Packet{
		Header: Header{
			SeqNumber: GetUint24(data[0:3]),
			Flags:     data[3],
			Length:    binary.BigEndian.Uint16(data[4:6]),
			Checksum:  binary.BigEndian.Uint16(data[6:8]),
		},
	}
	if len(data) < HeaderLen+int(pkt.Header.Length) {
		return nil, errors.Wrapf(ErrMalformedFrame, "datagram %d bytes, header declares %d payload bytes", len(data), pkt.Header.Length)
	}
	if pkt.Header.Length > 0 {
		pkt.Payload = make([]byte, pkt.Header.Length)
		copy(pkt.Payload, data[HeaderLen:HeaderLen+int(pkt.Header.Length)])
	}
	return pkt, nil
}
