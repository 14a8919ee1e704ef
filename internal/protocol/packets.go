// Package protocol implements the wire-level pieces of structprobe: the
// opcode codec, the field type table, the typed packet builder and the
// frame codec used to talk to the peer. All multi-byte values use
// little-endian byte order, matching the peer.
package protocol

// Frame layout: [length:4][opcode:2][payload...]
const (
	// LengthPrefixSize is the size of the frame length prefix in bytes.
	LengthPrefixSize = 4

	// OpCodeSize is the size of the opcode that follows the length prefix.
	OpCodeSize = 2

	// HeaderLength is the number of bytes preceding the payload. Offsets
	// reported by the peer are counted from the start of the frame, so the
	// first payload byte sits at HeaderLength.
	HeaderLength = LengthPrefixSize + OpCodeSize

	// MaxFrameSize bounds the length prefix of a single frame.
	MaxFrameSize = 1 << 20
)

// PktDiagnostic is the peer -> client opcode carrying a NUL-terminated
// deserialization diagnostic for the last frame it failed to decode.
const PktDiagnostic uint16 = 0xFFFE

// Chat server protocol opcodes known ahead of time. They seed the default
// opcode name registry.
const (
	PktChatKeepAlive    uint16 = 0x0200
	PktChatShutdown     uint16 = 0x0400
	PktChatHandshake    uint16 = 0x1600
	PktChatServerInfo   uint16 = 0x1602
	PktChatReplayStatus uint16 = 0x1603
	PktChatReplayReq    uint16 = 0x1704
)

// Frame is a decoded frame: opcode plus raw payload.
type Frame struct {
	OpCode  uint16
	Payload []byte
}
