// Package frame implements the two wire formats spoken by the bridge.
//
// Device→host traffic is wrapped in envelopes:
//
//	[2-byte BE length][1-byte packet type][17-byte NUL-padded address][payload]
//
// where length counts everything after itself. Host→device traffic arrives as frames
// with a 16-byte header whose bytes [8:16] hold the big-endian total frame length
// (header included); the payload is opaque and forwarded verbatim.
//
// Everything in this package is pure except Reader and Writer, which only wrap an
// io.Reader/io.Writer supplied by the caller.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// PacketType is the envelope type byte. The values are shared with the host-side
// decoder and must not change.
type PacketType uint8

const (
	Connected    PacketType = 1
	Disconnected PacketType = 2
	Data         PacketType = 3
	Ack          PacketType = 4
)

func (t PacketType) String() string {
	switch t {
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	case Data:
		return "DATA"
	case Ack:
		return "ACK"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

const (
	// AddressSlotLen is the fixed width of the textual peer address inside an envelope.
	AddressSlotLen = 17

	// LengthPrefixLen is the size of the envelope length prefix.
	LengthPrefixLen = 2

	// EnvelopeHeaderLen counts the type byte and the address slot.
	EnvelopeHeaderLen = 1 + AddressSlotLen

	// MaxPayload is the largest payload whose envelope length still fits in 16 bits.
	MaxPayload = 0xFFFF - EnvelopeHeaderLen
)

// Device firmware convention: a frame whose big-endian u32 at offset 16 equals
// HeartbeatCode is a connection request (heartbeat). Frames shorter than
// HeartbeatMinLen are never heartbeats.
const (
	HeartbeatCodeOffset = 16
	HeartbeatCode       = 0x02
	HeartbeatMinLen     = 20
)

// Host frame header layout.
const (
	HostHeaderLen    = 16
	hostLengthOffset = 8
	MaxHostFrameLen  = 16 << 20
)

var (
	// ErrEnvelopeTooLarge is returned when a payload cannot be described by the
	// 16-bit envelope length. It is a caller contract violation.
	ErrEnvelopeTooLarge = errors.New("frame: envelope too large")

	// ErrInvalidLength is returned when a host frame declares a total length that
	// leaves no payload (or an implausibly large one).
	ErrInvalidLength = errors.New("frame: invalid length")

	// ErrShortRead is returned when the stream ends before a complete header or
	// payload was read.
	ErrShortRead = errors.New("frame: short read")

	// ErrMalformedEnvelope is returned by DecodeEnvelope for truncated or
	// inconsistent envelopes.
	ErrMalformedEnvelope = errors.New("frame: malformed envelope")
)

// PeerAddress identifies the connected Bluetooth peer. Addr is in display order
// (most significant byte first).
type PeerAddress struct {
	Addr    [6]byte
	Channel uint8
}

// String renders the address as uppercase XX:XX:XX:XX:XX:XX, as reported by the radio stack.
func (p PeerAddress) String() string {
	return strings.ToUpper(net.HardwareAddr(p.Addr[:]).String())
}

// ParsePeerAddress parses a colon separated MAC. An empty string yields the zero address.
func ParsePeerAddress(mac string, channel uint8) (PeerAddress, error) {
	p := PeerAddress{Channel: channel}
	if mac == "" {
		return p, nil
	}
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return p, fmt.Errorf("frame: parse peer address %q: %w", mac, err)
	}
	if len(hw) != len(p.Addr) {
		return p, fmt.Errorf("frame: peer address %q is not 6 bytes", mac)
	}
	copy(p.Addr[:], hw)
	return p, nil
}

// addressSlot renders the peer into the NUL-padded 17-byte slot.
func addressSlot(p PeerAddress) [AddressSlotLen]byte {
	var slot [AddressSlotLen]byte
	copy(slot[:], p.String())
	return slot
}

// Envelope is a decoded device→host unit.
type Envelope struct {
	Type    PacketType
	Peer    PeerAddress
	Payload []byte
}

// EncodeEnvelope builds a length-prefixed envelope.
func EncodeEnvelope(t PacketType, peer PeerAddress, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes, max %d", ErrEnvelopeTooLarge, len(payload), MaxPayload)
	}
	n := EnvelopeHeaderLen + len(payload)
	buf := make([]byte, LengthPrefixLen+n)
	binary.BigEndian.PutUint16(buf, uint16(n))
	buf[LengthPrefixLen] = byte(t)
	slot := addressSlot(peer)
	copy(buf[LengthPrefixLen+1:], slot[:])
	copy(buf[LengthPrefixLen+EnvelopeHeaderLen:], payload)
	return buf, nil
}

// DecodeEnvelope decodes one complete envelope, including its length prefix.
// The channel is not carried on the wire and is always zero in the result.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) < LengthPrefixLen {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrMalformedEnvelope, len(b))
	}
	n := int(binary.BigEndian.Uint16(b))
	if n < EnvelopeHeaderLen || len(b) != LengthPrefixLen+n {
		return Envelope{}, fmt.Errorf("%w: declared %d, have %d", ErrMalformedEnvelope, n, len(b)-LengthPrefixLen)
	}
	return decodeBody(b[LengthPrefixLen:])
}

func decodeBody(body []byte) (Envelope, error) {
	mac := strings.TrimRight(string(body[1:EnvelopeHeaderLen]), "\x00")
	peer, err := ParsePeerAddress(mac, 0)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	payload := make([]byte, len(body)-EnvelopeHeaderLen)
	copy(payload, body[EnvelopeHeaderLen:])
	return Envelope{Type: PacketType(body[0]), Peer: peer, Payload: payload}, nil
}

// Kind is the classification of raw device bytes.
type Kind int

const (
	KindData Kind = iota
	KindHeartbeat
)

func (k Kind) String() string {
	if k == KindHeartbeat {
		return "heartbeat"
	}
	return "data"
}

// Classify sniffs a raw device read for the heartbeat convention.
func Classify(b []byte) Kind {
	if len(b) < HeartbeatMinLen {
		return KindData
	}
	if binary.BigEndian.Uint32(b[HeartbeatCodeOffset:HeartbeatCodeOffset+4]) == HeartbeatCode {
		return KindHeartbeat
	}
	return KindData
}

// ParseHostFrame validates a 16-byte header and reads the declared payload from r.
// On success it returns header and payload concatenated, unmodified.
func ParseHostFrame(header []byte, r io.Reader) ([]byte, error) {
	if len(header) != HostHeaderLen {
		return nil, fmt.Errorf("%w: header %d of %d bytes", ErrShortRead, len(header), HostHeaderLen)
	}
	total := binary.BigEndian.Uint64(header[hostLengthOffset:HostHeaderLen])
	if total <= HostHeaderLen || total > MaxHostFrameLen {
		return nil, fmt.Errorf("%w: total length %d", ErrInvalidLength, total)
	}
	buf := make([]byte, total)
	copy(buf, header)
	if n, err := io.ReadFull(r, buf[HostHeaderLen:]); err != nil {
		return nil, fmt.Errorf("%w: payload %d of %d bytes: %w", ErrShortRead, n, total-HostHeaderLen, err)
	}
	return buf, nil
}

// ReadHostFrame reads one host frame from r. Header bytes consumed before an error
// are not pushed back.
func ReadHostFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, HostHeaderLen)
	if n, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: header %d of %d bytes: %w", ErrShortRead, n, HostHeaderLen, err)
	}
	return ParseHostFrame(header, r)
}
