// Package capture turns normalized float samples from a host audio callback
// into signed 16-bit little-endian PCM blocks ready to be sent to the relay.
//
// Stage.Process runs inside the real-time callback: it never blocks, and a
// block that cannot be queued is dropped and counted instead.
package capture
