// Package source captures the audio to be streamed.
//
// Two strategies exist. VirtualDeviceSource creates a PulseAudio null sink that the
// measurement application plays into and captures from its monitor. DirectCaptureSource
// records the default ALSA input as a fallback. Select tries candidates in order and
// returns the first that starts.
//
// Both share one capture loop: fixed-size reads, a level meter, and a bounded frame
// queue that drops the newest frame when full.
package source
