package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestWriteFrame_Layout(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 0x0081, []byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	data := buf.Bytes()
	if len(data) != HeaderLength+2 {
		t.Fatalf("expected %d bytes, got %d", HeaderLength+2, len(data))
	}
	if l := binary.LittleEndian.Uint32(data[:4]); l != 4 {
		t.Errorf("length prefix = %d, want 4", l)
	}
	if !bytes.Equal(data[4:6], []byte{0x81, 0x00}) {
		t.Errorf("opcode bytes = %x, want 8100", data[4:6])
	}
	if !bytes.Equal(data[HeaderLength:], []byte{0xAA, 0xBB}) {
		t.Errorf("payload = %x", data[HeaderLength:])
	}
}

func TestReadFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, PktDiagnostic, BuildDiagnostic("[type=1][offset=6][hint=None]")); err != nil {
		t.Fatal(err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frame.OpCode != PktDiagnostic {
		t.Errorf("opcode = 0x%04X", frame.OpCode)
	}
	if text := ParseDiagnostic(frame.Payload); text != "[type=1][offset=6][hint=None]" {
		t.Errorf("diagnostic = %q", text)
	}
}

func TestReadFrame_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 0x0200, nil); err != nil {
		t.Fatal(err)
	}
	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(frame.Payload) != 0 {
		t.Errorf("expected empty payload, got %x", frame.Payload)
	}
}

func TestReadFrame_Errors(t *testing.T) {
	tooSmall := []byte{0x01, 0x00, 0x00, 0x00, 0xFF}
	if _, err := ReadFrame(bytes.NewReader(tooSmall)); err == nil {
		t.Error("expected error for frame shorter than opcode")
	}

	tooLarge := make([]byte, 4)
	binary.LittleEndian.PutUint32(tooLarge, MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(tooLarge)); err == nil {
		t.Error("expected error for oversized frame")
	}

	truncated := []byte{0x08, 0x00, 0x00, 0x00, 0x81, 0x00, 0x01}
	if _, err := ReadFrame(bytes.NewReader(truncated)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestParseDiagnostic_Unterminated(t *testing.T) {
	if got := ParseDiagnostic([]byte("abc")); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestMeasureField(t *testing.T) {
	tests := []struct {
		name string
		ft   FieldType
		data []byte
		want int
		err  bool
	}{
		{"short exact", FieldShort, []byte{1, 2}, 2, false},
		{"short truncated", FieldShort, []byte{1}, 0, true},
		{"long with tail", FieldLong, make([]byte, 10), 8, false},
		{"string", FieldString, []byte{'h', 'i', 0, 9}, 3, false},
		{"string unterminated", FieldString, []byte{'h', 'i'}, 0, true},
		{"unicode", FieldUnicodeString, []byte{1, 0, 'a', 0}, 4, false},
		{"unicode truncated", FieldUnicodeString, []byte{2, 0, 'a', 0}, 0, true},
		{"unknown", FieldUnknown, []byte{1}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := MeasureField(tt.ft, tt.data)
			if (err != nil) != tt.err {
				t.Fatalf("err = %v, wantErr %v", err, tt.err)
			}
			if n != tt.want {
				t.Errorf("n = %d, want %d", n, tt.want)
			}
		})
	}
}
