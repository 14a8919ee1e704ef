package protocol

import "strings"

// FieldType is the primitive type of one inferred field.
type FieldType int

const (
	FieldUnknown FieldType = iota
	FieldByte
	FieldShort
	FieldInt
	FieldLong
	FieldFloat
	FieldString
	FieldUnicodeString
)

// VariableWidth marks types whose encoded size depends on the value.
const VariableWidth = -1

type fieldTypeInfo struct {
	token    string
	width    int
	sentinel string
}

var fieldTypes = map[FieldType]fieldTypeInfo{
	FieldUnknown:       {token: "Unknown", width: 0, sentinel: ""},
	FieldByte:          {token: "Byte", width: 1, sentinel: "0"},
	FieldShort:         {token: "Short", width: 2, sentinel: "0"},
	FieldInt:           {token: "Int", width: 4, sentinel: "0"},
	FieldLong:          {token: "Long", width: 8, sentinel: "0"},
	FieldFloat:         {token: "Float", width: 4, sentinel: "0"},
	FieldString:        {token: "String", width: VariableWidth, sentinel: ""},
	FieldUnicodeString: {token: "UnicodeString", width: VariableWidth, sentinel: ""},
}

var fieldTypesByToken = func() map[string]FieldType {
	m := make(map[string]FieldType, len(fieldTypes))
	for ft, info := range fieldTypes {
		if ft != FieldUnknown {
			m[info.token] = ft
		}
	}
	return m
}()

// String returns the structure-file token of the type.
func (t FieldType) String() string {
	if info, ok := fieldTypes[t]; ok {
		return info.token
	}
	return fieldTypes[FieldUnknown].token
}

// MarshalText serializes the type as its token.
func (t FieldType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Width is the fixed encoded size in bytes, VariableWidth for strings and
// zero for FieldUnknown.
func (t FieldType) Width() int {
	return fieldTypes[t].width
}

// Sentinel is the placeholder literal written for a newly inferred field.
func (t FieldType) Sentinel() string {
	return fieldTypes[t].sentinel
}

// FieldTypeFromToken looks up a structure-file token. Matching is exact.
func FieldTypeFromToken(token string) (FieldType, bool) {
	ft, ok := fieldTypesByToken[token]
	if !ok {
		return FieldUnknown, false
	}
	return ft, true
}

// FieldDefinition is one field of a structure, in serialization order.
type FieldDefinition struct {
	Type  FieldType `json:"type"`
	Value string    `json:"value"`
}

// NewFieldDefinition normalizes an empty value to the type's sentinel.
func NewFieldDefinition(ft FieldType, value string) FieldDefinition {
	if value == "" {
		value = ft.Sentinel()
	}
	return FieldDefinition{Type: ft, Value: value}
}

// Hints reported by the peer that mean "nothing left to decode".
var noErrorHints = map[string]struct{}{
	"none": {},
	"0":    {},
}

// HintTable maps peer hint tokens to field types. It is immutable once
// constructed.
type HintTable struct {
	types map[string]FieldType
}

// NewHintTable builds a table from a copy of m.
func NewHintTable(m map[string]FieldType) *HintTable {
	types := make(map[string]FieldType, len(m))
	for k, v := range m {
		types[k] = v
	}
	return &HintTable{types: types}
}

// DefaultHintTable returns the peer's standard decode hints.
func DefaultHintTable() *HintTable {
	return NewHintTable(map[string]FieldType{
		"Decode1":             FieldByte,
		"Decode2":             FieldShort,
		"Decode4":             FieldInt,
		"Decode8":             FieldLong,
		"DecodeFloat":         FieldFloat,
		"DecodeString":        FieldString,
		"DecodeUnicodeString": FieldUnicodeString,
	})
}

// IsNoError reports whether hint is the sentinel-zero "no error" value.
func (h *HintTable) IsNoError(hint string) bool {
	_, ok := noErrorHints[strings.ToLower(hint)]
	return ok
}

// Lookup maps a hint to a field type, FieldUnknown and false if unmapped.
func (h *HintTable) Lookup(hint string) (FieldType, bool) {
	ft, ok := h.types[hint]
	if !ok {
		return FieldUnknown, false
	}
	return ft, true
}

// HintFor is the reverse lookup used by the oracle peer.
func (h *HintTable) HintFor(ft FieldType) (string, bool) {
	for hint, t := range h.types {
		if t == ft {
			return hint, true
		}
	}
	return "", false
}
