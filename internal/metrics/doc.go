// Package metrics defines the Prometheus metrics exported by both binaries.
package metrics
