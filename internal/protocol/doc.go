// Package protocol implements framing of audio datagrams.
// Each datagram carries a 4-byte sequence number, a 4-byte peak level and a block of
// little-endian 16-bit PCM samples, matching what the microphone firmware sends.
package protocol
