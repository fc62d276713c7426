// Package wireformat provides explicit, reflection-free accessors over the
// upstream chat API's JSON wire shape. Messages are kept as
// map[string]any/[]any trees rather than mapped onto typed structs so that
// fields the proxy does not understand survive passthrough byte-faithfully.
package wireformat

import (
	"encoding/json"
	"fmt"
)

// Object is a single decoded JSON object.
type Object = map[string]any

// Body is a decoded chat request or response body.
type Body = Object

// ParseBody decodes raw JSON into an Object tree.
func ParseBody(raw []byte) (Body, error) {
	var body Body
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("wireformat: decode body: %w", err)
	}
	return body, nil
}

// GetString returns (value, true) if key is present and is a JSON string.
func GetString(o Object, key string) (string, bool) {
	if o == nil {
		return "", false
	}
	v, ok := o[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetBool returns (value, true) if key is present and is a JSON bool.
func GetBool(o Object, key string) (bool, bool) {
	if o == nil {
		return false, false
	}
	v, ok := o[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetObject returns (value, true) if key is present and is a JSON object.
func GetObject(o Object, key string) (Object, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o[key]
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

// GetArray returns (value, true) if key is present and is a JSON array.
func GetArray(o Object, key string) ([]any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o[key]
	if !ok {
		return nil, false
	}
	arr, ok := v.([]any)
	return arr, ok
}

// GetNumber returns (value, true) if key is present and is a JSON number.
func GetNumber(o Object, key string) (float64, bool) {
	if o == nil {
		return 0, false
	}
	v, ok := o[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

// AsInt is GetNumber truncated to int.
func AsInt(o Object, key string) (int, bool) {
	n, ok := GetNumber(o, key)
	if !ok {
		return 0, false
	}
	return int(n), true
}

// Kind returns the "type" discriminator of a tagged-variant object, or ""
// if absent/non-string.
func Kind(o Object) string {
	s, _ := GetString(o, "type")
	return s
}

// AsObjectSlice converts a []any of JSON objects into []Object, skipping
// non-object elements.
func AsObjectSlice(arr []any) []Object {
	out := make([]Object, 0, len(arr))
	for _, v := range arr {
		if obj, ok := v.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

// ContentBlocks extracts the content field of a message as a slice of
// block objects, or nil if content is a plain string or absent.
func ContentBlocks(message Object) []Object {
	v, ok := message["content"]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	return AsObjectSlice(arr)
}

// ContentString extracts the content field of a message when it is a
// plain string, with (value, true); otherwise ("", false).
func ContentString(message Object) (string, bool) {
	v, ok := message["content"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// FlattenText concatenates the text of every text-kind block in a content
// block list, in order, separated by newlines. Used for marker-matching on
// the last user message without fully interpreting every block kind.
func FlattenText(message Object) string {
	if s, ok := ContentString(message); ok {
		return s
	}
	blocks := ContentBlocks(message)
	out := ""
	for _, b := range blocks {
		if Kind(b) != "text" {
			continue
		}
		if t, ok := GetString(b, "text"); ok {
			if out != "" {
				out += "\n"
			}
			out += t
		}
	}
	return out
}

// MarshalCompact re-encodes v as compact JSON, truncated to maxLen bytes.
// Used for rendering tool_use input previews in WAL serialization.
func MarshalCompact(v any, maxLen int) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	s := string(b)
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
