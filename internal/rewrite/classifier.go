// Package rewrite classifies inbound chat requests (compact request,
// suggestion mode, already-compacted) and rewrites request bodies before
// they are forwarded upstream.
package rewrite

import (
	"strings"

	"github.com/dbproxy/dbproxy/internal/wireformat"
)

const compactMarker = "create a detailed summary of the conversation"
const suggestionModeMarker = "[SUGGESTION MODE:"

// legacyCompactEditKind is the source's historical compact-signal edit
// type; recent upstream clients no longer emit it, but the proxy keeps
// stripping it for defense-in-depth (spec section 9 open question).
const legacyCompactEditKind = "compact_20260112"

// IsCompactRequest reports whether the final user message's flattened
// text contains the compact marker, case-insensitively.
func IsCompactRequest(messages []wireformat.Object) bool {
	last, ok := lastUserMessage(messages)
	if !ok {
		return false
	}
	text := strings.ToLower(wireformat.FlattenText(last))
	return strings.Contains(text, compactMarker)
}

// IsSuggestionMode reports whether the final user message's flattened
// text carries the suggestion-mode marker. Suggestion-mode requests
// bypass all buffer logic entirely.
func IsSuggestionMode(messages []wireformat.Object) bool {
	last, ok := lastUserMessage(messages)
	if !ok {
		return false
	}
	return strings.Contains(wireformat.FlattenText(last), suggestionModeMarker)
}

// IsLegacyCompactEdit reports whether a context_management directive's
// edits array contains the legacy compact-signal edit kind. Per spec
// section 9, presence is no longer treated as a first-class compact
// signal, but the edit is still stripped from forwarded requests.
func IsLegacyCompactEdit(body wireformat.Body) bool {
	cm, ok := wireformat.GetObject(body, "context_management")
	if !ok {
		return false
	}
	edits, ok := wireformat.GetArray(cm, "edits")
	if !ok {
		return false
	}
	for _, e := range wireformat.AsObjectSlice(edits) {
		if wireformat.Kind(e) == legacyCompactEditKind {
			return true
		}
	}
	return false
}

func lastUserMessage(messages []wireformat.Object) (wireformat.Object, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		role, _ := wireformat.GetString(messages[i], "role")
		if role == "user" {
			return messages[i], true
		}
	}
	return nil, false
}
