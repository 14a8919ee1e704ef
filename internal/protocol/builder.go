package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"

	"golang.org/x/text/encoding/unicode"
)

var (
	// ErrInvalidFieldValue is returned when a literal does not fit its type.
	ErrInvalidFieldValue = errors.New("invalid field value")

	// ErrUnencodableField is returned for FieldUnknown, which has no encoding.
	ErrUnencodableField = errors.New("field type has no encoding")
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// PacketBuilder accumulates encoded fields in declaration order.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Replay builds a packet from a structure's fields in order.
func Replay(fields []FieldDefinition) (*PacketBuilder, error) {
	b := NewPacketBuilder()
	for i, f := range fields {
		if err := b.Append(f.Type, f.Value); err != nil {
			return nil, fmt.Errorf("field %d (%s): %w", i, f.Type, err)
		}
	}
	return b, nil
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// Append encodes one more field and concatenates it. The buffer is left
// untouched on error.
func (b *PacketBuilder) Append(ft FieldType, value string) error {
	data, err := EncodeField(ft, value)
	if err != nil {
		return err
	}
	b.buf.Write(data)
	return nil
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteUint64 writes a uint64 in little-endian order.
func (b *PacketBuilder) WriteUint64(v uint64) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteFloat32 writes a float32 in little-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteNullString writes a null-terminated string.
func (b *PacketBuilder) WriteNullString(s string) *PacketBuilder {
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	return b
}

// WriteUnicodeString writes a UTF-16LE string prefixed with its length in
// code units.
// Format: [units:2][utf16le...]
func (b *PacketBuilder) WriteUnicodeString(s string) *PacketBuilder {
	data, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// Invalid UTF-8 is replaced by the encoder; keep going with what we have.
		data = data[:len(data)&^1]
	}
	if len(data) > 2*math.MaxUint16 {
		data = data[:2*math.MaxUint16]
	}
	b.WriteUint16(uint16(len(data) / 2))
	b.buf.Write(data)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed payload bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the payload being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

// EncodeField encodes value according to ft. An empty value encodes as the
// type's sentinel.
func EncodeField(ft FieldType, value string) ([]byte, error) {
	if value == "" {
		value = ft.Sentinel()
	}

	b := NewPacketBuilder()
	switch ft {
	case FieldByte:
		v, err := parseInteger(value, 8)
		if err != nil {
			return nil, err
		}
		b.WriteByte(byte(v))
	case FieldShort:
		v, err := parseInteger(value, 16)
		if err != nil {
			return nil, err
		}
		b.WriteUint16(uint16(v))
	case FieldInt:
		v, err := parseInteger(value, 32)
		if err != nil {
			return nil, err
		}
		b.WriteUint32(uint32(v))
	case FieldLong:
		v, err := parseInteger(value, 64)
		if err != nil {
			return nil, err
		}
		b.WriteUint64(v)
	case FieldFloat:
		v, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a float: %v", ErrInvalidFieldValue, value, err)
		}
		b.WriteFloat32(float32(v))
	case FieldString:
		b.WriteNullString(value)
	case FieldUnicodeString:
		b.WriteUnicodeString(value)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnencodableField, ft)
	}
	return b.Build(), nil
}

// parseInteger accepts signed or unsigned literals that fit in bits and
// returns their two's-complement bit pattern.
func parseInteger(value string, bits int) (uint64, error) {
	if v, err := strconv.ParseInt(value, 0, bits); err == nil {
		return uint64(v), nil
	}
	v, err := strconv.ParseUint(value, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %q does not fit in %d bits", ErrInvalidFieldValue, value, bits)
	}
	return v, nil
}
