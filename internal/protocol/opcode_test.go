package protocol

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseOpCode_EquivalentForms(t *testing.T) {
	inputs := []string{"81", "0x81", "0X0081", "8100", "0x0081 trailing args"}
	for _, in := range inputs {
		got, err := ParseOpCode(in)
		if err != nil {
			t.Fatalf("ParseOpCode(%q) failed: %v", in, err)
		}
		if got != 0x0081 {
			t.Errorf("ParseOpCode(%q) = 0x%04X, want 0x0081", in, got)
		}
	}
}

func TestParseOpCode_ReversesFourDigitTokens(t *testing.T) {
	got, err := ParseOpCode("1800")
	if err != nil {
		t.Fatalf("ParseOpCode failed: %v", err)
	}
	if got != 0x0018 {
		t.Errorf("expected 0x0018, got 0x%04X", got)
	}

	got, err = ParseOpCode("0016")
	if err != nil {
		t.Fatalf("ParseOpCode failed: %v", err)
	}
	if got != 0x1600 {
		t.Errorf("expected 0x1600, got 0x%04X", got)
	}
}

func TestParseOpCode_InvalidFormats(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"one char", "8"},
		{"three chars", "816"},
		{"five chars", "81000"},
		{"non-hex byte", "zz"},
		{"non-hex word", "12xz"},
		{"bare prefix", "0x"},
		{"prefix overflow", "0x10000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOpCode(tt.input)
			if !errors.Is(err, ErrInvalidOpCodeFormat) {
				t.Errorf("ParseOpCode(%q) error = %v, want ErrInvalidOpCodeFormat", tt.input, err)
			}
		})
	}
}

func TestOpCodeRegistry_Resolve(t *testing.T) {
	reg := NewOpCodeRegistry(map[uint16]string{0x0081: "ChatWhisper"})

	op, err := reg.Resolve("81")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if op.Name != "ChatWhisper" || op.ID != 0x0081 {
		t.Errorf("unexpected opcode: %+v", op)
	}
	if op.String() != "ChatWhisper (0x0081)" {
		t.Errorf("unexpected String(): %s", op.String())
	}

	unknown, err := reg.Resolve("0x1234")
	if err != nil {
		t.Fatalf("Resolve of unregistered id failed: %v", err)
	}
	if unknown.Name != UnknownOpCodeName {
		t.Errorf("expected %s, got %s", UnknownOpCodeName, unknown.Name)
	}
}

func TestOpCodeRegistry_CopiesInput(t *testing.T) {
	names := map[uint16]string{1: "One"}
	reg := NewOpCodeRegistry(names)
	names[1] = "Changed"

	if name, _ := reg.Name(1); name != "One" {
		t.Errorf("registry was mutated through its input map: %s", name)
	}
}

func TestOpCode_FileKey(t *testing.T) {
	op := OpCode{ID: 129, Name: "Chat Whisper/v2"}
	if got := op.FileKey(); got != "00129_Chat_Whisper_v2" {
		t.Errorf("unexpected file key: %s", got)
	}
}

func TestLoadOpCodeRegistry_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opcodes.yaml")
	content := "opcodes:\n  \"0x0081\": ChatWhisper\n  \"0x1600\": Handshake\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	reg, err := LoadOpCodeRegistry(path)
	if err != nil {
		t.Fatalf("LoadOpCodeRegistry failed: %v", err)
	}

	if name, _ := reg.Name(0x0081); name != "ChatWhisper" {
		t.Errorf("expected overlay name, got %q", name)
	}
	if name, _ := reg.Name(0x1600); name != "Handshake" {
		t.Errorf("expected overlay to replace default, got %q", name)
	}
	if name, _ := reg.Name(PktChatKeepAlive); name != "ChatKeepAlive" {
		t.Errorf("expected defaults to survive, got %q", name)
	}
}

func TestLoadOpCodeRegistry_BadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opcodes.yaml")
	if err := os.WriteFile(path, []byte("opcodes:\n  \"123\": Bad\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadOpCodeRegistry(path)
	if !errors.Is(err, ErrInvalidOpCodeFormat) {
		t.Errorf("expected ErrInvalidOpCodeFormat, got %v", err)
	}
}

func TestLoadOpCodeRegistry_MissingFile(t *testing.T) {
	reg, err := LoadOpCodeRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if reg.Len() != DefaultOpCodeRegistry().Len() {
		t.Errorf("expected default registry")
	}
}
