// Package transfer runs SYNC push and pull over a command pipeline session.
//
// Ownership boundary:
// - SEND handshake, pending chunk queue, DATA/DONE emission (Upload)
// - RECV request and stream reassembly (Download)
//
// Both expect a session whose queue ends with "sync:".
package transfer
