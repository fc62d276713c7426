// Package identity computes stable conversation fingerprints from inbound
// request bodies and maps them (keyed with the model name) to long-lived
// buffer managers.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"

	"github.com/dbproxy/dbproxy/internal/wireformat"
)

var sessionIDPattern = regexp.MustCompile(`_session_([0-9a-f-]+)$`)

const systemPrefixLen = 1000

// Fingerprint derives a stable conversation identity string from a decoded
// request body, per the precedence: a session-id marker embedded in
// metadata.user_id, falling back to a hash of the system prompt prefix
// plus the first user message.
func Fingerprint(body wireformat.Body) string {
	if fp, ok := fromSessionMarker(body); ok {
		return fp
	}
	return fromContentHash(body)
}

func fromSessionMarker(body wireformat.Body) (string, bool) {
	meta, ok := wireformat.GetObject(body, "metadata")
	if !ok {
		return "", false
	}
	userID, ok := wireformat.GetString(meta, "user_id")
	if !ok {
		return "", false
	}
	m := sessionIDPattern.FindStringSubmatch(userID)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func fromContentHash(body wireformat.Body) string {
	systemPrefix := serializeSystem(body["system"])
	if len(systemPrefix) > systemPrefixLen {
		systemPrefix = systemPrefix[:systemPrefixLen]
	}

	firstUser := firstUserMessageContent(body)

	h := sha256.New()
	h.Write([]byte(systemPrefix))
	h.Write([]byte("\n---\n"))
	h.Write([]byte(firstUser))
	return hex.EncodeToString(h.Sum(nil))
}

// serializeSystem deterministically renders the system field: verbatim if
// a plain string, or key-sorted JSON if a structured list/object, so the
// prefix hash is stable regardless of map iteration order.
func serializeSystem(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return deterministicJSON(t)
	}
}

func firstUserMessageContent(body wireformat.Body) string {
	messages, ok := wireformat.GetArray(body, "messages")
	if !ok {
		return ""
	}
	for _, m := range wireformat.AsObjectSlice(messages) {
		role, _ := wireformat.GetString(m, "role")
		if role != "user" {
			continue
		}
		if s, ok := wireformat.ContentString(m); ok {
			return s
		}
		if content, ok := m["content"]; ok {
			return deterministicJSON(content)
		}
		return ""
	}
	return ""
}

// deterministicJSON serializes v with object keys sorted, so structurally
// identical content always hashes the same regardless of decode order.
func deterministicJSON(v any) string {
	sorted := sortKeys(v)
	b, err := json.Marshal(sorted)
	if err != nil {
		return ""
	}
	return string(b)
}

func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(t))
		for _, k := range keys {
			out = append(out, kv{k, sortKeys(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return t
	}
}

// kv and orderedMap implement json.Marshaler to emit object keys in a
// fixed order, since encoding/json always sorts map[string]any keys
// already -- this exists so the sort order is explicit and independent of
// that implementation detail.
type kv struct {
	Key   string
	Value any
}

type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var b []byte
	b = append(b, '{')
	for i, pair := range m {
		if i > 0 {
			b = append(b, ',')
		}
		keyJSON, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		b = append(b, keyJSON...)
		b = append(b, ':')
		valJSON, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, err
		}
		b = append(b, valJSON...)
	}
	b = append(b, '}')
	return b, nil
}
