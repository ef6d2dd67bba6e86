// Package protocol defines the TCU wire format: the 8-byte packet header,
// the flag bits and their meaningful combinations, the CRC-16/CCITT
// integrity check, and the file record carried by file-bearing frames.
//
// Each UDP datagram carries exactly one TCU packet. All multi-byte fields
// are big-endian.
package protocol

// Flag bits. Flags is a set of independent bits; the protocol assigns
// meaning to specific combinations (see the dispatch table in the tcu
// package).
const (
	FlagNone uint8 = 0x00
	FlagSYN  uint8 = 0x01 // connection request
	FlagACK  uint8 = 0x02 // positive acknowledgment
	FlagFIN  uint8 = 0x04 // disconnection / last fragment of window
	FlagNACK uint8 = 0x08 // retransmission request
	FlagDF   uint8 = 0x10 // single-fragment message
	FlagMF   uint8 = 0x20 // more fragments follow
	FlagFL   uint8 = 0x40 // file-bearing frame
	FlagKA   uint8 = 0x80 // keep-alive probe
)

// Size limits. MaxPayloadLen keeps a full TCU packet inside one
// Ethernet-safe UDP datagram: 1500 - IPv4(20) - UDP(8) - TCU(8).
const (
	HeaderLen     = 8
	EthMTU        = 1500
	IPv4HeaderLen = 20
	UDPHeaderLen  = 8
	MaxPayloadLen = EthMTU - IPv4HeaderLen - UDPHeaderLen - HeaderLen
)

// Header is the fixed 8-byte TCU packet header.
//
//	offset 0: seq_number (3 bytes, big-endian)
//	offset 3: flags      (1 byte)
//	offset 4: length     (2 bytes, big-endian)
//	offset 6: checksum   (2 bytes, big-endian)
type Header struct {
	SeqNumber Uint24
	Flags     uint8
	Length    uint16
	Checksum  uint16
}

// Packet is one TCU frame: header plus opaque payload of Header.Length bytes.
type Packet struct {
	Header  Header
	Payload []byte
}

// New builds an unsealed packet with Length derived from the payload.
// Call Seal before transmitting.
func New(seq Uint24, flags uint8, payload []byte) *Packet {
	return &Packet{
		Header: Header{
			SeqNumber: seq,
			Flags:     flags,
			Length:    uint16(len(payload)),
		},
		Payload: payload,
	}
}

// NewControl builds an unsealed zero-payload control frame (SYN, FIN, KA,
// ACK, NACK and their combinations).
func NewControl(seq Uint24, flags uint8) *Packet {
	return New(seq, flags, nil)
}

// HasFlags reports whether every bit of mask is set.
func (p *Packet) HasFlags(mask uint8) bool {
	return p.Header.Flags&mask == mask
}

// Seal computes the CRC over the header (checksum field excluded) and the
// payload and stores it in the header. Encoding after Seal produces the
// on-wire representation.
func (p *Packet) Seal() {
	p.Header.Checksum = Checksum(p.crcInput())
}

// VerifyChecksum recomputes the CRC and compares it with the stored value.
func (p *Packet) VerifyChecksum() bool {
	return Checksum(p.crcInput()) == p.Header.Checksum
}

// crcInput renders the 6 header bytes preceding the checksum field followed
// by the payload, the exact byte range the CRC covers.
func (p *Packet) crcInput() []byte {
	buf := make([]byte, HeaderLen-2+len(p.Payload))
	p.Header.SeqNumber.Put(buf[0:3])
	buf[3] = p.Header.Flags
	buf[4] = byte(p.Header.Length >> 8)
	buf[5] = byte(p.Header.Length)
	copy(buf[6:], p.Payload)
	return buf
}
