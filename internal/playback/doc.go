// Package playback provides the receiver's audio outputs: an external playback tool,
// a WAV recording, or nothing at all. RestartingSink adds the restart-once-and-retry
// behavior the receive loop relies on.
package playback
