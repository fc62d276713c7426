package buffer

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/dbproxy/dbproxy/internal/sse"
	"github.com/dbproxy/dbproxy/internal/wireformat"
)

// NewSyntheticMessageID returns a synthetic id prefixed the same way the
// upstream prefixes real message ids, so clients can't distinguish a
// swap response from a real one by id shape alone.
func NewSyntheticMessageID() string {
	return "msg_" + uuid.NewString()
}

// estimateOutputTokens approximates token count for a synthetic response
// body; the proxy never re-tokenizes content (spec Non-goals), so this is
// a rough length-based estimate, matching the upstream's own ballpark for
// plain text.
func estimateOutputTokens(body string) int {
	return len(body) / 4
}

// BuildNonStreamingSwapResponse builds the JSON chat message returned in
// lieu of forwarding, per spec section 4.4.
func BuildNonStreamingSwapResponse(body, model string) wireformat.Object {
	return wireformat.Object{
		"id":            NewSyntheticMessageID(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"content": []any{
			wireformat.Object{
				"type": "text",
				"text": body,
			},
		},
		"usage": wireformat.Object{
			"input_tokens":  0,
			"output_tokens": estimateOutputTokens(body),
		},
	}
}

// BuildStreamingSwapEvents builds the fixed six-event SSE sequence: the
// entire body is delivered as a single delta.
func BuildStreamingSwapEvents(body, model string) []sse.Event {
	id := NewSyntheticMessageID()

	messageStart := wireformat.Object{
		"type": "message_start",
		"message": wireformat.Object{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": wireformat.Object{
				"input_tokens":  0,
				"output_tokens": 0,
			},
		},
	}

	contentBlockStart := wireformat.Object{
		"type":  "content_block_start",
		"index": 0,
		"content_block": wireformat.Object{
			"type": "text",
			"text": "",
		},
	}

	contentBlockDelta := wireformat.Object{
		"type":  "content_block_delta",
		"index": 0,
		"delta": wireformat.Object{
			"type": "text_delta",
			"text": body,
		},
	}

	contentBlockStop := wireformat.Object{
		"type":  "content_block_stop",
		"index": 0,
	}

	messageDelta := wireformat.Object{
		"type": "message_delta",
		"delta": wireformat.Object{
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
		},
		"usage": wireformat.Object{
			"output_tokens": estimateOutputTokens(body),
		},
	}

	messageStop := wireformat.Object{
		"type": "message_stop",
	}

	events := make([]sse.Event, 0, 6)
	for _, payload := range []struct {
		eventName string
		data      wireformat.Object
	}{
		{"message_start", messageStart},
		{"content_block_start", contentBlockStart},
		{"content_block_delta", contentBlockDelta},
		{"content_block_stop", contentBlockStop},
		{"message_delta", messageDelta},
		{"message_stop", messageStop},
	} {
		b, err := json.Marshal(payload.data)
		if err != nil {
			// programmer error: these payloads are built in-process from
			// known-marshalable types
			panic(fmt.Sprintf("buffer: failed to marshal %s event: %v", payload.eventName, err))
		}
		events = append(events, sse.Event{Event: payload.eventName, Data: string(b)})
	}
	return events
}
