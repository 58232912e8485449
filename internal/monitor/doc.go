// Package monitor classifies sender-side connection health.
//
// A Monitor polls sender statistics on a fixed period, classifies the link as GOOD,
// SLOW or DISCONNECTED from the time since the last successful send, and flags a high
// error rate. It never modifies the statistics and never reconnects; reports go to a
// Reporter such as LogReporter.
package monitor
