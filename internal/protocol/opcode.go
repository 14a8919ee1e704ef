package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrInvalidOpCodeFormat is returned when a command token is not one of the
// accepted opcode literal forms.
var ErrInvalidOpCodeFormat = errors.New("invalid opcode format")

// UnknownOpCodeName is used for identifiers missing from the registry.
const UnknownOpCodeName = "Unknown"

// OpCode is a resolved message identifier with its informational name.
type OpCode struct {
	ID   uint16 `json:"id"`
	Name string `json:"name"`
}

// String renders the opcode as "Name (0x0081)".
func (o OpCode) String() string {
	return fmt.Sprintf("%s (0x%04X)", o.Name, o.ID)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// FileKey returns the zero-padded decimal id joined with a filesystem-safe
// name, e.g. "00129_ChatWhisper".
func (o OpCode) FileKey() string {
	name := unsafeNameChars.ReplaceAllString(o.Name, "_")
	if name == "" {
		name = UnknownOpCodeName
	}
	return fmt.Sprintf("%05d_%s", o.ID, name)
}

// ParseOpCode parses the first whitespace-delimited token of command.
//
//	0x81 / 0X0081  hex literal
//	81             single hex byte
//	8100           two hex bytes in wire order, reversed -> 0x0081
func ParseOpCode(command string) (uint16, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: empty command", ErrInvalidOpCodeFormat)
	}
	token := fields[0]

	switch {
	case len(token) >= 2 && strings.EqualFold(token[:2], "0x"):
		v, err := strconv.ParseUint(token[2:], 16, 16)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrInvalidOpCodeFormat, token, err)
		}
		return uint16(v), nil

	case len(token) == 2:
		v, err := strconv.ParseUint(token, 16, 8)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrInvalidOpCodeFormat, token, err)
		}
		return uint16(v), nil

	case len(token) == 4:
		b, err := hex.DecodeString(token)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrInvalidOpCodeFormat, token, err)
		}
		// The bytes are given in the peer's on-wire order.
		return binary.LittleEndian.Uint16(b), nil

	default:
		return 0, fmt.Errorf("%w: %q must be 0x-prefixed, 2 or 4 hex digits", ErrInvalidOpCodeFormat, token)
	}
}

// OpCodeRegistry maps opcode identifiers to symbolic names. It is immutable
// once constructed and safe for concurrent use.
type OpCodeRegistry struct {
	names map[uint16]string
}

// NewOpCodeRegistry builds a registry from a copy of names.
func NewOpCodeRegistry(names map[uint16]string) *OpCodeRegistry {
	m := make(map[uint16]string, len(names))
	for k, v := range names {
		m[k] = v
	}
	return &OpCodeRegistry{names: m}
}

// DefaultOpCodeRegistry returns the built-in chat protocol names.
func DefaultOpCodeRegistry() *OpCodeRegistry {
	return NewOpCodeRegistry(map[uint16]string{
		PktChatKeepAlive:    "ChatKeepAlive",
		PktChatShutdown:     "ChatShutdown",
		PktChatHandshake:    "ChatHandshake",
		PktChatServerInfo:   "ChatServerInfo",
		PktChatReplayStatus: "ChatReplayStatus",
		PktChatReplayReq:    "ChatReplayRequest",
		PktDiagnostic:       "Diagnostic",
	})
}

type opCodeFile struct {
	OpCodes map[string]string `yaml:"opcodes"`
}

// LoadOpCodeRegistry reads a YAML overlay of names and merges it over the
// defaults. Keys use the same literal forms as command input, so "0x1600"
// is the unambiguous spelling. An empty path returns the defaults.
func LoadOpCodeRegistry(path string) (*OpCodeRegistry, error) {
	base := DefaultOpCodeRegistry()
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", path).Msg("opcode names file not found, using built-in names")
			return base, nil
		}
		return nil, fmt.Errorf("failed to read opcode names %s: %w", path, err)
	}

	var file opCodeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	merged := base.names
	for key, name := range file.OpCodes {
		id, err := ParseOpCode(key)
		if err != nil {
			return nil, fmt.Errorf("opcode names %s: %w", path, err)
		}
		merged[id] = name
	}

	log.Debug().Str("path", path).Int("names", len(merged)).Msg("opcode names loaded")
	return &OpCodeRegistry{names: merged}, nil
}

// Name returns the registered name for id.
func (r *OpCodeRegistry) Name(id uint16) (string, bool) {
	name, ok := r.names[id]
	return name, ok
}

// Len returns the number of registered names.
func (r *OpCodeRegistry) Len() int {
	return len(r.names)
}

// Resolve parses command and attaches the registered name. Identifiers
// without a name still resolve, named UnknownOpCodeName.
func (r *OpCodeRegistry) Resolve(command string) (OpCode, error) {
	id, err := ParseOpCode(command)
	if err != nil {
		return OpCode{}, err
	}
	name, ok := r.Name(id)
	if !ok {
		name = UnknownOpCodeName
	}
	return OpCode{ID: id, Name: name}, nil
}
