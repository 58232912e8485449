// Package device opens platform audio lines by running the PulseAudio and ALSA command line tools.
//
// Capture lines expose the tool's standard output as raw PCM; playback lines accept raw PCM
// on the tool's standard input. Closing a line unblocks any pending read or write.
package device
