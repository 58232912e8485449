// Package config provides configuration loading and validation for the bridge and the receiver.
// Both binaries read the same YAML layout; missing keys keep the values from Default.
package config
