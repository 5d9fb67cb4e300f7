package resource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Document is the JSON object persisted for a resource.
type Document map[string]any

// Clone returns a deep copy made through a JSON round trip.
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	b, err := json.Marshal(d)
	if err != nil {
		out := make(Document, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	var out Document
	if err := json.Unmarshal(b, &out); err != nil || out == nil {
		return Document{}
	}
	return out
}

// String returns d[key] as a string. Numbers are formatted; anything else
// that is not a string yields "".
func (d Document) String(key string) string {
	return AsString(d[key])
}

// Int returns d[key] as an int, or def when absent or not numeric.
func (d Document) Int(key string, def int) int {
	if n, ok := AsInt(d[key]); ok {
		return n
	}
	return def
}

// Map returns the nested object stored at key, or nil.
func (d Document) Map(key string) Document {
	return AsDocument(d[key])
}

// Strings returns the string list stored at key. Non-string members are skipped.
func (d Document) Strings(key string) []string {
	raw, ok := d[key].([]any)
	if !ok {
		if ss, ok := d[key].([]string); ok {
			return append([]string(nil), ss...)
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// AsDocument converts a decoded JSON value into a Document when it is an object.
func AsDocument(v any) Document {
	switch m := v.(type) {
	case Document:
		return m
	case map[string]any:
		return Document(m)
	default:
		return nil
	}
}

// AsString renders scalar JSON values as strings.
func AsString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// AsInt converts JSON numbers and numeric strings to int.
func AsInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), true
		}
		if f, err := t.Float64(); err == nil {
			return int(f), true
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, true
		}
	}
	return 0, false
}

// ToDocument validates that v encodes to a JSON object and returns it in
// decoded form. Arrays, scalars, and null are rejected with ErrInvalidArgument.
func ToDocument(v any) (Document, error) {
	switch t := v.(type) {
	case nil:
		return nil, InvalidArgument("document must be a JSON object, got null")
	case Document:
		if t == nil {
			return nil, InvalidArgument("document must be a JSON object, got null")
		}
		return t, nil
	case map[string]any:
		if t == nil {
			return nil, InvalidArgument("document must be a JSON object, got null")
		}
		return Document(t), nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, InvalidArgument("document is not JSON encodable: %v", err)
	}
	return decodeObject(b, ErrInvalidArgument)
}

// decodeObject parses b as a single JSON object, tagging failures with kind.
func decodeObject(b []byte, kind error) (Document, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", kind)
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: document must be a JSON object", kind)
	}
	var doc Document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", kind, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document must be a JSON object", kind)
	}
	return doc, nil
}

// encodeDocument renders a document the way it is stored on disk.
func encodeDocument(doc Document) ([]byte, error) {
	return Encode(doc)
}

// Encode renders v as stored on disk: two-space indent, no HTML escaping,
// no trailing newline.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeObject parses b as a single JSON object. Failures wrap ErrCorruptData.
func DecodeObject(b []byte) (Document, error) {
	return decodeObject(b, ErrCorruptData)
}
