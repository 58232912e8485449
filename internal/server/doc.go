// Package server implements the receiver's UDP loop and the HTTP status API.
//
// UDPReceiver validates each datagram, tracks sequence gaps and hands the payload to a
// playback sink immediately, in arrival order. HTTPServer exposes health checks, component
// status snapshots, the effective configuration and Prometheus metrics for either binary.
package server
