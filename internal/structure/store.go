// Package structure owns the on-disk, human-editable structure definitions:
// one text file per opcode listing the inferred fields in serialization
// order. Files are append-only from structprobe's side so that operator
// edits to earlier lines survive across resolve runs.
package structure

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/structprobe/internal/protocol"
)

const (
	// FileExtension is the suffix of every structure file.
	FileExtension = ".txt"

	// headerLines are skipped unconditionally on load.
	headerLines = 2

	// fieldPrefix precedes the type token on every field line, after any
	// leading indentation.
	fieldPrefix = "w.Write"

	placeholderPrefix = "//"
)

var (
	// ErrFileIO wraps every read or write failure of a structure file.
	ErrFileIO = errors.New("structure file I/O error")

	// ErrUnknownFieldTypeOnLoad marks a line whose type token is not in the
	// field type table. Such lines are skipped, never fatal.
	ErrUnknownFieldTypeOnLoad = errors.New("unknown field type")

	// ErrNotFound is returned by Load when no file exists for an opcode.
	ErrNotFound = errors.New("structure not found")
)

// SkippedLine records a line that was dropped while loading.
type SkippedLine struct {
	Line int    `json:"line"`
	Text string `json:"text"`
	Err  string `json:"error"`
}

// Structure is the in-memory view of one structure file.
type Structure struct {
	OpCode  protocol.OpCode            `json:"opcode"`
	Path    string                     `json:"path"`
	Fields  []protocol.FieldDefinition `json:"fields"`
	Skipped []SkippedLine              `json:"skipped,omitempty"`
}

// Width returns the encoded size of the fields, or -1 when a variable
// width field is present and the value has to be encoded to know.
func (s *Structure) Width() int {
	total := 0
	for _, f := range s.Fields {
		w := f.Type.Width()
		if w == protocol.VariableWidth {
			data, err := protocol.EncodeField(f.Type, f.Value)
			if err != nil {
				return -1
			}
			w = len(data)
		}
		total += w
	}
	return total
}

// Entry describes a structure file found on disk.
type Entry struct {
	ID      uint16    `json:"id"`
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
}

// Store reads and writes structure files under a directory. It holds no
// open file handles between calls.
type Store struct {
	dir    string
	logger zerolog.Logger
}

// NewStore creates a store rooted at dir. The directory is created lazily.
func NewStore(dir string) *Store {
	return &Store{
		dir:    dir,
		logger: log.With().Str("component", "structure_store").Str("dir", dir).Logger(),
	}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// PathFor returns the deterministic file path for an opcode.
func (s *Store) PathFor(op protocol.OpCode) string {
	return filepath.Join(s.dir, op.FileKey()+FileExtension)
}

// LoadOrCreate loads the structure for op, creating an empty one (header
// lines only) if it does not exist yet.
func (s *Store) LoadOrCreate(op protocol.OpCode) (*Structure, error) {
	path := s.PathFor(op)

	st, err := s.load(op, path)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := s.create(op, path); err != nil {
		return nil, err
	}

	s.logger.Info().Str("opcode", op.String()).Str("path", path).Msg("structure file created")
	return &Structure{OpCode: op, Path: path}, nil
}

// Load reads the structure for op without creating it.
func (s *Store) Load(op protocol.OpCode) (*Structure, error) {
	return s.load(op, s.PathFor(op))
}

func (s *Store) create(op protocol.OpCode, path string) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create structure directory %s: %v", ErrFileIO, s.dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", ErrFileIO, path, err)
	}
	defer f.Close()

	if _, err := io.WriteString(f, headerText(op)); err != nil {
		return fmt.Errorf("%w: failed to write header to %s: %v", ErrFileIO, path, err)
	}
	return nil
}

func headerText(op protocol.OpCode) string {
	name := strings.TrimPrefix(op.FileKey(), fmt.Sprintf("%05d_", op.ID))
	return fmt.Sprintf(
		"// structprobe: inferred layout of %s, created %s\n"+
			"func write%s(w *PacketWriter) { // opcode 0x%04X\n",
		op, time.Now().UTC().Format(time.RFC3339), name, op.ID,
	)
}

func (s *Store) load(op protocol.OpCode, path string) (*Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, op)
		}
		return nil, fmt.Errorf("%w: failed to open %s: %v", ErrFileIO, path, err)
	}
	defer f.Close()

	st := &Structure{OpCode: op, Path: path}
	logger := s.logger.With().Str("opcode", op.String()).Logger()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= headerLines {
			continue
		}

		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		def, err := ParseFieldLine(line)
		if err != nil {
			st.Skipped = append(st.Skipped, SkippedLine{Line: lineNo, Text: line, Err: err.Error()})
			logger.Warn().Err(err).Int("line", lineNo).Str("text", line).Msg("skipping structure line")
			continue
		}
		st.Fields = append(st.Fields, def)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrFileIO, path, err)
	}

	logger.Debug().Int("fields", len(st.Fields)).Int("skipped", len(st.Skipped)).Msg("structure loaded")
	return st, nil
}

// ParseFieldLine parses one "\tw.Write<Type>(<value>);" line.
func ParseFieldLine(line string) (protocol.FieldDefinition, error) {
	text := strings.TrimSpace(line)
	if strings.HasPrefix(text, placeholderPrefix) {
		return protocol.FieldDefinition{}, fmt.Errorf("%w: placeholder comment", ErrUnknownFieldTypeOnLoad)
	}

	open := strings.Index(text, "(")
	if len(text) < len(fieldPrefix) || open < len(fieldPrefix) {
		return protocol.FieldDefinition{}, fmt.Errorf("%w: malformed field line", ErrUnknownFieldTypeOnLoad)
	}

	token := text[len(fieldPrefix):open]
	ft, ok := protocol.FieldTypeFromToken(token)
	if !ok {
		return protocol.FieldDefinition{}, fmt.Errorf("%w: %q", ErrUnknownFieldTypeOnLoad, token)
	}

	value := text[open+1:]
	if end := strings.LastIndex(value, ")"); end >= 0 {
		value = value[:end]
	}

	def := protocol.NewFieldDefinition(ft, value)
	if _, err := protocol.EncodeField(def.Type, def.Value); err != nil {
		return protocol.FieldDefinition{}, err
	}
	return def, nil
}

// FormatFieldLine renders the persisted form of a definition.
func FormatFieldLine(def protocol.FieldDefinition) string {
	return fmt.Sprintf("\t%s%s(%s);", fieldPrefix, def.Type, def.Value)
}

// Append writes one field line to the end of the structure file and then
// adds the definition to st.Fields. Earlier lines are never rewritten.
func (s *Store) Append(st *Structure, def protocol.FieldDefinition) error {
	if err := s.appendLine(st.Path, FormatFieldLine(def)); err != nil {
		return err
	}
	st.Fields = append(st.Fields, def)

	s.logger.Info().
		Str("opcode", st.OpCode.String()).
		Str("type", def.Type.String()).
		Str("value", def.Value).
		Int("fields", len(st.Fields)).
		Msg("field appended")
	return nil
}

// AppendPlaceholder records an unmapped hint as a comment line. It is
// skipped on the next load, leaving the operator to replace it.
func (s *Store) AppendPlaceholder(st *Structure, hint string, offset int) error {
	line := fmt.Sprintf("\t%s Unknown(%s) at offset %d", placeholderPrefix, hint, offset)
	if err := s.appendLine(st.Path, line); err != nil {
		return err
	}

	s.logger.Warn().
		Str("opcode", st.OpCode.String()).
		Str("hint", hint).
		Int("offset", offset).
		Msg("placeholder appended for unmapped hint")
	return nil
}

func (s *Store) appendLine(path, line string) error {
	// No O_CREATE: only LoadOrCreate may create structure files.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: failed to open %s for append: %v", ErrFileIO, path, err)
	}
	defer f.Close()

	// A hand-edited file may lack its final newline.
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: failed to stat %s: %v", ErrFileIO, path, err)
	}
	if size := info.Size(); size > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil {
			return fmt.Errorf("%w: failed to read %s: %v", ErrFileIO, path, err)
		}
		if last[0] != '\n' {
			line = "\n" + line
		}
	}

	if _, err := io.WriteString(f, line+"\n"); err != nil {
		return fmt.Errorf("%w: failed to append to %s: %v", ErrFileIO, path, err)
	}
	return nil
}

// List returns every structure file in the store, ordered by opcode.
func (s *Store) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to list %s: %v", ErrFileIO, s.dir, err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != FileExtension {
			continue
		}

		base := strings.TrimSuffix(de.Name(), FileExtension)
		idPart, name, ok := strings.Cut(base, "_")
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(idPart, 10, 16)
		if err != nil {
			continue
		}

		entry := Entry{ID: uint16(id), Name: name, Path: filepath.Join(s.dir, de.Name())}
		if info, err := de.Info(); err == nil {
			entry.ModTime = info.ModTime()
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ID != entries[j].ID {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Find loads the structure stored for id regardless of the name it was
// created under.
func (s *Store) Find(id uint16) (*Structure, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ID == id {
			return s.load(protocol.OpCode{ID: e.ID, Name: e.Name}, e.Path)
		}
	}
	return nil, fmt.Errorf("%w: 0x%04X", ErrNotFound, id)
}
