// Package stream connects the capture source to the sender.
//
// A Pipeline drains captured frames and sends each one on the active session. Sessions
// are created by Connect and ended by Disconnect; frames arriving while disconnected
// are counted and skipped.
package stream
