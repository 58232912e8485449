// Package audio describes the PCM stream format and provides level metering and
// WAV encoding for captured or received audio.
package audio
