package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// Wire format constants
const (
	// HeaderSize is the fixed size of the packet header in bytes
	HeaderSize = 12

	// Version is the only protocol version accepted on the wire
	Version = 2

	// PayloadType marks the payload as raw PCM (dynamic payload type range)
	PayloadType = 96

	// MaxDatagramSize keeps every datagram below a common Ethernet MTU
	MaxDatagramSize = 1200

	// MaxPayload is the largest payload that fits in a single datagram
	MaxPayload = MaxDatagramSize - HeaderSize

	// DefaultPort is the UDP port used when none is configured
	DefaultPort = 5004
)

// ErrMalformedPacket is returned for datagrams that are too short or carry the wrong version.
// Receivers discard such datagrams silently.
var ErrMalformedPacket = errors.New("malformed packet")

// ErrPayloadTooLarge is returned when a payload does not fit in one datagram
var ErrPayloadTooLarge = errors.New("payload exceeds maximum datagram payload")

// Header represents the fixed 12-byte packet header
type Header struct {
	PayloadType    uint8  // 7-bit payload type
	SequenceNumber uint16 // increments by one per packet, wraps at 65535
	Timestamp      uint32 // sample-frame count at the start of the originating frame
	StreamID       uint32 // random identifier fixed for one sending session
}

// Packet is a parsed datagram. Payload aliases the datagram it was parsed from.
type Packet struct {
	Header  Header
	Payload []byte
}

// Marshal appends the header and payload to dst and returns the extended slice.
// Byte 0 is always 0x80 (version 2, no padding, no extension, no CSRC) and the
// marker bit is never set.
func Marshal(dst []byte, h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        Version,
			PayloadType:    h.PayloadType & 0x7F,
			SequenceNumber: h.SequenceNumber,
			Timestamp:      h.Timestamp,
			SSRC:           h.StreamID,
		},
		Payload: payload,
	}

	start := len(dst)
	size := pkt.MarshalSize()
	if cap(dst)-start < size {
		grown := make([]byte, start, start+size)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:start+size]

	n, err := pkt.MarshalTo(dst[start:])
	if err != nil {
		return dst[:start], fmt.Errorf("failed to marshal packet: %w", err)
	}

	return dst[:start+n], nil
}

// Parse decodes a datagram. Datagrams shorter than HeaderSize or with a version
// other than 2 yield ErrMalformedPacket. The header is always 12 bytes: the padding,
// extension and CSRC-count bits of byte 0 are ignored and the payload is everything
// after the header.
func Parse(datagram []byte) (Packet, error) {
	if len(datagram) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(datagram), HeaderSize)
	}

	if version := datagram[0] >> 6; version != Version {
		return Packet{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedPacket, version)
	}

	return Packet{
		Header: Header{
			PayloadType:    datagram[1] & 0x7F,
			SequenceNumber: binary.BigEndian.Uint16(datagram[2:4]),
			Timestamp:      binary.BigEndian.Uint32(datagram[4:8]),
			StreamID:       binary.BigEndian.Uint32(datagram[8:12]),
		},
		Payload: datagram[HeaderSize:],
	}, nil
}

// PacketCount returns how many datagrams a frame of frameLen bytes is split into
func PacketCount(frameLen, maxPayload int) int {
	if frameLen <= 0 || maxPayload <= 0 {
		return 0
	}
	return (frameLen + maxPayload - 1) / maxPayload
}

// SequenceDelta returns the signed modular distance from prev to cur.
// A result of 1 means cur directly follows prev, including across the 65535 -> 0 wrap;
// zero or negative results are duplicates or late arrivals.
func SequenceDelta(prev, cur uint16) int {
	return int(int16(cur - prev))
}
