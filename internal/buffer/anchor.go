package buffer

import "github.com/dbproxy/dbproxy/internal/wireformat"

// SelectAnchor scans messages for unresolved tool_use/tool_result pairs
// and returns the exclusive end index a checkpoint may safely summarize
// up to. A checkpoint must never split a tool_use from its tool_result,
// or a later request would carry a dangling tool_result.
//
// If every tool_use has a matching tool_result, the anchor is
// len(messages) (summarize everything). Otherwise it is the smallest
// message index containing an unresolved tool_use.
func SelectAnchor(messages []wireformat.Object) int {
	if len(messages) == 0 {
		return 0
	}

	toolUseIndex := make(map[string]int) // tool_use id -> message index
	resolved := make(map[string]bool)    // tool_use id referenced by a tool_result

	for idx, msg := range messages {
		for _, block := range wireformat.ContentBlocks(msg) {
			switch wireformat.Kind(block) {
			case "tool_use":
				if id, ok := wireformat.GetString(block, "id"); ok {
					if _, seen := toolUseIndex[id]; !seen {
						toolUseIndex[id] = idx
					}
				}
			case "tool_result":
				if id, ok := wireformat.GetString(block, "tool_use_id"); ok {
					resolved[id] = true
				}
			}
		}
	}

	anchor := len(messages)
	for id, idx := range toolUseIndex {
		if resolved[id] {
			continue
		}
		if idx < anchor {
			anchor = idx
		}
	}
	return anchor
}

// SanitizeCompactionBlocks walks messages and converts any compaction-typed
// content block into a text block carrying the same text (or the literal
// placeholder if empty), since the upstream rejects compaction blocks
// inside ordinary requests. The result is always a new slice; messages
// with plain-string content or no compaction blocks are placed in it
// unchanged (the same message object, not a copy).
func SanitizeCompactionBlocks(messages []wireformat.Object) []wireformat.Object {
	out := make([]wireformat.Object, len(messages))
	for i, msg := range messages {
		out[i] = sanitizeMessage(msg)
	}
	return out
}

func sanitizeMessage(msg wireformat.Object) wireformat.Object {
	blocks := wireformat.ContentBlocks(msg)
	if blocks == nil {
		return msg
	}

	changed := false
	newBlocks := make([]any, len(blocks))
	for i, b := range blocks {
		if wireformat.Kind(b) == "compaction" {
			changed = true
			newBlocks[i] = compactionToText(b)
		} else {
			newBlocks[i] = map[string]any(b)
		}
	}

	if !changed {
		return msg
	}

	out := make(wireformat.Object, len(msg))
	for k, v := range msg {
		out[k] = v
	}
	out["content"] = newBlocks
	return out
}

func compactionToText(block wireformat.Object) wireformat.Object {
	text, _ := wireformat.GetString(block, "content")
	if text == "" {
		text = "[conversation summary]"
	}
	return wireformat.Object{
		"type": "text",
		"text": text,
	}
}

// HasCompactionBlock reports whether any message carries a compaction
// content block.
func HasCompactionBlock(messages []wireformat.Object) bool {
	for _, msg := range messages {
		for _, block := range wireformat.ContentBlocks(msg) {
			if wireformat.Kind(block) == "compaction" {
				return true
			}
		}
	}
	return false
}
