// Package protocol owns the adb host wire contract.
//
// Ownership boundary:
// - error kinds shared by every sub-protocol
// - host and transport service command strings
// - request framing (frame), command pipeline (session), sync wire (syncproto)
package protocol
