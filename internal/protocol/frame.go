package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ReadFrame reads a single frame from a reader.
// Frame format: [4-byte LE length][2-byte LE opcode][payload...]
// The length counts the opcode and the payload.
func ReadFrame(r io.Reader) (*Frame, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}

	if length < OpCodeSize {
		return nil, fmt.Errorf("frame too small: %d bytes", length)
	}

	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", length, MaxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read frame data (%d bytes): %w", length, err)
	}

	return &Frame{
		OpCode:  binary.LittleEndian.Uint16(data[:OpCodeSize]),
		Payload: data[OpCodeSize:],
	}, nil
}

// WriteFrame writes a frame in a single Write call so concurrent writers
// serialized by the caller never interleave partial frames.
func WriteFrame(w io.Writer, opcode uint16, payload []byte) error {
	if OpCodeSize+len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes (max %d)", OpCodeSize+len(payload), MaxFrameSize)
	}

	buf := make([]byte, HeaderLength+len(payload))
	binary.LittleEndian.PutUint32(buf[:LengthPrefixSize], uint32(OpCodeSize+len(payload)))
	binary.LittleEndian.PutUint16(buf[LengthPrefixSize:HeaderLength], opcode)
	copy(buf[HeaderLength:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// BuildDiagnostic creates the payload of a diagnostic frame.
// Format: [text:null_str]
func BuildDiagnostic(text string) []byte {
	return NewPacketBuilder().WriteNullString(text).Build()
}

// ParseDiagnostic extracts the diagnostic text from a frame payload. A
// missing terminator is tolerated.
func ParseDiagnostic(payload []byte) string {
	text, _ := readNullString(bytes.NewReader(payload))
	return text
}

// readNullString reads a null-terminated string from a reader.
func readNullString(r *bytes.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return buf.String(), err
		}
		if b == 0 {
			break
		}
		buf.WriteByte(b)
	}
	return buf.String(), nil
}

// MeasureField reports how many bytes at the start of data decode as one
// field of type ft. It fails with io.ErrUnexpectedEOF when data is too
// short, which is what a peer reports back as a decode hint.
func MeasureField(ft FieldType, data []byte) (int, error) {
	switch ft {
	case FieldString:
		i := bytes.IndexByte(data, 0)
		if i < 0 {
			return 0, io.ErrUnexpectedEOF
		}
		return i + 1, nil
	case FieldUnicodeString:
		if len(data) < 2 {
			return 0, io.ErrUnexpectedEOF
		}
		n := 2 + 2*int(binary.LittleEndian.Uint16(data[:2]))
		if len(data) < n {
			return 0, io.ErrUnexpectedEOF
		}
		return n, nil
	case FieldUnknown:
		return 0, fmt.Errorf("%w: %s", ErrUnencodableField, ft)
	default:
		w := ft.Width()
		if len(data) < w {
			return 0, io.ErrUnexpectedEOF
		}
		return w, nil
	}
}
