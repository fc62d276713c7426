package rewrite

import (
	"github.com/dbproxy/dbproxy/internal/buffer"
	"github.com/dbproxy/dbproxy/internal/wireformat"
)

// RewriteForForward prepares a request body for forwarding upstream per
// spec section 4.9 step 13 (and the compaction-rewrite described in
// section 4.6): legacy compact edit kinds are stripped from the
// context_management directive's edits list, and any compaction content
// blocks are rewritten to text blocks the upstream will accept.
func RewriteForForward(body wireformat.Body) wireformat.Body {
	out := make(wireformat.Body, len(body))
	for k, v := range body {
		out[k] = v
	}

	if cm, ok := wireformat.GetObject(body, "context_management"); ok {
		out["context_management"] = stripLegacyEdits(cm)
	}

	if messages, ok := wireformat.GetArray(body, "messages"); ok {
		objs := wireformat.AsObjectSlice(messages)
		sanitized := buffer.SanitizeCompactionBlocks(objs)
		rebuilt := make([]any, len(sanitized))
		for i, m := range sanitized {
			rebuilt[i] = map[string]any(m)
		}
		out["messages"] = rebuilt
	}

	return out
}

func stripLegacyEdits(cm wireformat.Object) wireformat.Object {
	edits, ok := wireformat.GetArray(cm, "edits")
	if !ok {
		return cm
	}

	kept := make([]any, 0, len(edits))
	for _, e := range wireformat.AsObjectSlice(edits) {
		if wireformat.Kind(e) == legacyCompactEditKind {
			continue
		}
		kept = append(kept, map[string]any(e))
	}

	out := make(wireformat.Object, len(cm))
	for k, v := range cm {
		out[k] = v
	}
	out["edits"] = kept
	return out
}

// ExtractMessages pulls the messages array out of a body as typed
// objects, or nil if absent/malformed.
func ExtractMessages(body wireformat.Body) []wireformat.Object {
	arr, ok := wireformat.GetArray(body, "messages")
	if !ok {
		return nil
	}
	return wireformat.AsObjectSlice(arr)
}
