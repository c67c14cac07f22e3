// Package document defines the identifiers and field maps that flow through
// change feeds, publications and the wire format.
package document

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/teranos/batchpub/errors"
)

// Kind tags how an ID was produced.
type Kind uint8

const (
	// KindInvalid is the zero ID: the null/undefined identifier.
	KindInvalid Kind = iota
	// KindString is a plain string id.
	KindString
	// KindObjectID is a 12-byte object id held as 24 lowercase hex chars.
	KindObjectID
	// KindJSON is any other JSON scalar (numbers, booleans), held as compact JSON.
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindObjectID:
		return "objectid"
	case KindJSON:
		return "json"
	default:
		return "invalid"
	}
}

// ID identifies a document within a collection. It is comparable and safe
// to use as a map key. The zero value is invalid.
type ID struct {
	kind  Kind
	value string
}

// NewID returns a string id.
func NewID(s string) ID {
	return ID{kind: KindString, value: s}
}

// NewObjectID returns an object id from its 24-char hex form.
func NewObjectID(hexStr string) (ID, error) {
	hexStr = strings.ToLower(hexStr)
	if !looksLikeObjectID(hexStr) {
		return ID{}, errors.Wrapf(errors.ErrInvalidDocumentID, "object id %q", hexStr)
	}
	return ID{kind: KindObjectID, value: hexStr}, nil
}

// ObjectIDFromBytes returns an object id from its 12 raw bytes.
func ObjectIDFromBytes(b [12]byte) ID {
	return ID{kind: KindObjectID, value: hex.EncodeToString(b[:])}
}

// IDFrom converts a Go value into an ID. Strings become string ids, IDs are
// returned as-is, nil is rejected, anything else must marshal to a JSON
// scalar.
func IDFrom(v any) (ID, error) {
	switch x := v.(type) {
	case nil:
		return ID{}, errors.Wrap(errors.ErrInvalidDocumentID, "nil id")
	case ID:
		if x.IsZero() {
			return ID{}, errors.Wrap(errors.ErrInvalidDocumentID, "zero id")
		}
		return x, nil
	case string:
		return NewID(x), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ID{}, errors.Wrapf(errors.ErrInvalidDocumentID, "id %v: %v", v, err)
	}
	return jsonID(raw)
}

// MustID is IDFrom for static ids in tests and examples.
func MustID(v any) ID {
	id, err := IDFrom(v)
	if err != nil {
		panic(err)
	}
	return id
}

func jsonID(raw []byte) (ID, error) {
	var scalar any
	if err := json.Unmarshal(raw, &scalar); err != nil {
		return ID{}, errors.Wrapf(errors.ErrInvalidDocumentID, "id %s: %v", raw, err)
	}
	switch scalar.(type) {
	case nil:
		return ID{}, errors.Wrap(errors.ErrInvalidDocumentID, "null id")
	case string:
		return NewID(scalar.(string)), nil
	case map[string]any, []any:
		return ID{}, errors.Wrapf(errors.ErrInvalidDocumentID, "composite id %s", raw)
	}
	canonical, _ := json.Marshal(scalar)
	return ID{kind: KindJSON, value: string(canonical)}, nil
}

// IsZero reports whether id is the null identifier.
func (id ID) IsZero() bool { return id.kind == KindInvalid }

// Kind returns how the id was produced.
func (id ID) Kind() Kind { return id.kind }

// Validate returns ErrInvalidDocumentID for the zero id.
func (id ID) Validate() error {
	if id.IsZero() {
		return errors.WithStack(errors.ErrInvalidDocumentID)
	}
	return nil
}

// Raw returns the native value: the string, the object id hex, or the
// decoded JSON scalar.
func (id ID) Raw() any {
	if id.kind == KindJSON {
		var v any
		_ = json.Unmarshal([]byte(id.value), &v)
		return v
	}
	return id.value
}

// String returns the canonical wire form of the id. Strings that could be
// mistaken for another kind are prefixed with "-", non-string scalars with
// "~". ParseID reverses the conversion.
func (id ID) String() string {
	switch id.kind {
	case KindObjectID:
		return id.value
	case KindJSON:
		return "~" + id.value
	case KindString:
		s := id.value
		if s == "" {
			return s
		}
		switch s[0] {
		case '-', '~', '{':
			return "-" + s
		}
		if looksLikeObjectID(s) {
			return "-" + s
		}
		return s
	default:
		return "-"
	}
}

// ParseID reverses ID.String.
func ParseID(s string) (ID, error) {
	switch {
	case s == "":
		return NewID(""), nil
	case s == "-":
		return ID{}, errors.Wrap(errors.ErrInvalidDocumentID, "undefined id")
	case s[0] == '-':
		return NewID(s[1:]), nil
	case s[0] == '~':
		return jsonID([]byte(s[1:]))
	case looksLikeObjectID(s):
		return ID{kind: KindObjectID, value: s}, nil
	default:
		return NewID(s), nil
	}
}

// MarshalText encodes the canonical form, so IDs work as JSON map keys.
func (id ID) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return nil, errors.WithStack(errors.ErrInvalidDocumentID)
	}
	return []byte(id.String()), nil
}

// UnmarshalText decodes the canonical form.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func looksLikeObjectID(s string) bool {
	if len(s) != 24 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
