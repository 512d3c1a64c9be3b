// Package session owns the adb command pipeline.
//
// Ownership boundary:
// - one TCP connection per operation
// - ordered command queue gated on OKAY
// - hand-off of the live connection to sub-protocols
// - reconnect backoff for long-lived monitors
package session
