// Package protocol implements the datagram wire format shared by the bridge and the receiver.
// Every datagram is a 12-byte RTP-version-2 style header followed by raw little-endian PCM,
// capped so the whole datagram stays at or below 1200 bytes.
package protocol
