// Package sender packetizes captured PCM frames and streams them as UDP datagrams.
//
// A Sender owns at most one session at a time. Each Start opens a fresh socket and a new
// random stream identifier with sequence and timestamp at zero; Stop releases the socket
// and freezes the session statistics so they remain readable until the next Start.
package sender
