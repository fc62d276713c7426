package buffer

import (
	"fmt"
	"strings"

	"github.com/dbproxy/dbproxy/internal/wireformat"
)

const recentActivityNote = "\n\nThe following conversation continued after the summary above was\ngenerated. [...] Tool results are abbreviated — re-read files if you\nneed full contents. Continue from where this conversation left off.\n<recent_activity>\n%s\n</recent_activity>"

// FormatCompactionWithWAL builds the compaction body template from a
// precomputed checkpoint and the write-ahead-log suffix of messages. When
// wal is empty, the body is exactly the checkpoint content -- no
// <recent_activity> framing is emitted.
func FormatCompactionWithWAL(checkpoint string, wal []wireformat.Object) string {
	if len(wal) == 0 {
		return checkpoint
	}

	serialized := serializeWAL(wal)
	return fmt.Sprintf(
		"<context_summary>\nThis is a summary of the conversation so far. All prior context has\nbeen incorporated below. Respond normally to the user's next message.\n\n%s%s\n</context_summary>",
		checkpoint,
		fmt.Sprintf(recentActivityNote, serialized),
	)
}

func serializeWAL(messages []wireformat.Object) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		role, _ := wireformat.GetString(msg, "role")
		parts = append(parts, fmt.Sprintf("[%s]\n%s", role, renderMessageContent(msg)))
	}
	return strings.Join(parts, "\n\n")
}

// renderMessageContent implements the content rendering rules of spec
// section 4.4 step 4.
func renderMessageContent(msg wireformat.Object) string {
	if s, ok := wireformat.ContentString(msg); ok {
		return s
	}

	blocks := wireformat.ContentBlocks(msg)
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, renderBlock(b))
	}
	return strings.Join(parts, "\n")
}

func renderBlock(b wireformat.Object) string {
	switch wireformat.Kind(b) {
	case "text":
		t, _ := wireformat.GetString(b, "text")
		return t
	case "tool_use":
		return renderToolUse(b)
	case "tool_result":
		return renderToolResult(b)
	case "compaction":
		return "[prior compaction summary]"
	default:
		return fmt.Sprintf("[%s block]", wireformat.Kind(b))
	}
}

var toolUseBriefKeys = []string{"file_path", "path", "pattern", "command", "query", "url"}

func renderToolUse(b wireformat.Object) string {
	name, _ := wireformat.GetString(b, "name")
	input, _ := wireformat.GetObject(b, "input")

	brief := ""
	for _, key := range toolUseBriefKeys {
		if v, ok := wireformat.GetString(input, key); ok {
			brief = truncate(v, 150)
			break
		}
	}
	if brief == "" && input != nil {
		brief = truncate(wireformat.MarshalCompact(input, 150), 150)
	}

	return fmt.Sprintf("[tool_use: %s(%s)]", name, brief)
}

func renderToolResult(b wireformat.Object) string {
	isError, _ := wireformat.GetBool(b, "is_error")
	label := "[tool_result]"
	if isError {
		label = "[tool_result ERROR]"
	}

	var body string
	if s, ok := wireformat.GetString(b, "content"); ok {
		body = truncate(s, 300)
	} else if arr, ok := wireformat.GetArray(b, "content"); ok {
		sub := make([]string, 0, len(arr))
		for _, item := range wireformat.AsObjectSlice(arr) {
			if t, ok := wireformat.GetString(item, "text"); ok {
				sub = append(sub, truncate(t, 200))
			}
		}
		body = strings.Join(sub, " ")
	}

	if body == "" {
		return label
	}
	return label + " " + body
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
