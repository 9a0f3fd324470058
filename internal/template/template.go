// Package template models series entity templates and the merge-patch
// protocol used for partial updates.
package template

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrNotObject indicates the JSON value is not an object.
var ErrNotObject = errors.New("template: value must be a JSON object")

// Template is the full set of default field values applied to every
// occurrence of a series. Values are kept as raw JSON so the engine never
// assumes a schema beyond field names.
type Template struct {
	fields map[string]json.RawMessage
}

// Patch is a partial template. Keys present in a patch overwrite the
// corresponding template keys; keys absent from it are carried forward.
type Patch struct {
	fields map[string]json.RawMessage
}

// New builds a Template from Go values.
func New(values map[string]any) (Template, error) {
	fields, err := encodeFields(values)
	if err != nil {
		return Template{}, err
	}
	return Template{fields: fields}, nil
}

// NewPatch builds a Patch from Go values.
func NewPatch(values map[string]any) (Patch, error) {
	fields, err := encodeFields(values)
	if err != nil {
		return Patch{}, err
	}
	return Patch{fields: fields}, nil
}

// Parse decodes a JSON object into a Template.
func Parse(data []byte) (Template, error) {
	var t Template
	if err := t.UnmarshalJSON(data); err != nil {
		return Template{}, err
	}
	return t, nil
}

// ParsePatch decodes a JSON object into a Patch.
func ParsePatch(data []byte) (Patch, error) {
	var p Patch
	if err := p.UnmarshalJSON(data); err != nil {
		return Patch{}, err
	}
	return p, nil
}

// Merge returns a new template with p overlaid on t: shallow override with
// key union. Neither t nor p is modified.
func (t Template) Merge(p Patch) Template {
	out := make(map[string]json.RawMessage, len(t.fields)+len(p.fields))
	for k, v := range t.fields {
		out[k] = v
	}
	for k, v := range p.fields {
		out[k] = v
	}
	return Template{fields: out}
}

// With returns a copy of t with key set to value.
func (t Template) With(key string, value any) (Template, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Template{}, fmt.Errorf("template: encode %q: %w", key, err)
	}
	return t.Merge(Patch{fields: map[string]json.RawMessage{key: raw}}), nil
}

// Get returns the raw JSON value for key.
func (t Template) Get(key string) (json.RawMessage, bool) {
	v, ok := t.fields[key]
	return v, ok
}

// String returns the value of key when it is a JSON string.
func (t Template) String(key string) (string, bool) {
	raw, ok := t.fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Keys returns the field names in sorted order.
func (t Template) Keys() []string {
	return sortedKeys(t.fields)
}

// Len reports the number of fields.
func (t Template) Len() int { return len(t.fields) }

// MissingFields returns the required fields that are absent or null.
func (t Template) MissingFields(required []string) []string {
	var missing []string
	for _, name := range required {
		raw, ok := t.fields[name]
		if !ok || isNull(raw) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Values decodes every field into a generic Go value.
func (t Template) Values() (map[string]any, error) {
	out := make(map[string]any, len(t.fields))
	for k, raw := range t.fields {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("template: decode %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// MarshalJSON implements json.Marshaler.
func (t Template) MarshalJSON() ([]byte, error) {
	return marshalFields(t.fields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Template) UnmarshalJSON(data []byte) error {
	fields, err := unmarshalFields(data)
	if err != nil {
		return err
	}
	t.fields = fields
	return nil
}

// Has reports whether the patch sets key.
func (p Patch) Has(key string) bool {
	_, ok := p.fields[key]
	return ok
}

// Keys returns the patched field names in sorted order.
func (p Patch) Keys() []string {
	return sortedKeys(p.fields)
}

// IsEmpty reports whether the patch carries no fields.
func (p Patch) IsEmpty() bool { return len(p.fields) == 0 }

// MarshalJSON implements json.Marshaler.
func (p Patch) MarshalJSON() ([]byte, error) {
	return marshalFields(p.fields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Patch) UnmarshalJSON(data []byte) error {
	fields, err := unmarshalFields(data)
	if err != nil {
		return err
	}
	p.fields = fields
	return nil
}

func encodeFields(values map[string]any) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("template: encode %q: %w", k, err)
		}
		fields[k] = raw
	}
	return fields, nil
}

func marshalFields(fields map[string]json.RawMessage) ([]byte, error) {
	if fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(fields)
}

func unmarshalFields(data []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || isNull(trimmed) {
		return map[string]json.RawMessage{}, nil
	}
	if trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func sortedKeys(fields map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
