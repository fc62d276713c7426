package upstream

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/dbproxy/dbproxy/internal/wireformat"
)

// convertMessages turns the proxy's generic message objects (already in
// upstream wire shape) into typed params for the checkpoint call. Only the
// block kinds the checkpoint path can legitimately carry are handled; any
// other block is flattened to text so the call never fails on an odd
// history shape (the checkpoint call is best-effort and degrades to a
// CheckpointFailure, not a hard crash, on anything it can't render).
func convertMessages(messages []wireformat.Object) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		role, _ := wireformat.GetString(msg, "role")
		blocks := wireformat.ContentBlocks(msg)

		var params []anthropic.ContentBlockParamUnion
		for _, b := range blocks {
			switch wireformat.Kind(b) {
			case "text":
				text, _ := wireformat.GetString(b, "text")
				params = append(params, anthropic.NewTextBlock(text))
			case "tool_use":
				id, _ := wireformat.GetString(b, "id")
				name, _ := wireformat.GetString(b, "name")
				input, _ := wireformat.GetObject(b, "input")
				params = append(params, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    id,
						Name:  name,
						Input: map[string]any(input),
					},
				})
			case "tool_result":
				id, _ := wireformat.GetString(b, "tool_use_id")
				isErr, _ := wireformat.GetBool(b, "is_error")
				content, _ := wireformat.ContentString(b)
				params = append(params, anthropic.ContentBlockParamUnion{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: id,
						IsError:   anthropic.Bool(isErr),
						Content: []anthropic.ToolResultBlockParamContentUnion{
							{OfText: &anthropic.TextBlockParam{Text: content}},
						},
					},
				})
			default:
				params = append(params, anthropic.NewTextBlock(wireformat.MarshalCompact(b, 500)))
			}
		}

		if len(params) == 0 {
			continue
		}

		switch role {
		case "assistant":
			out = append(out, anthropic.MessageParam{Role: anthropic.MessageParamRoleAssistant, Content: params})
		default:
			out = append(out, anthropic.MessageParam{Role: anthropic.MessageParamRoleUser, Content: params})
		}
	}
	return out
}

// convertSystem renders the snapshot's system value (string or structured
// block list) into the typed system-prompt param.
func convertSystem(system any) []anthropic.TextBlockParam {
	if system == nil {
		return nil
	}
	if s, ok := system.(string); ok {
		if s == "" {
			return nil
		}
		return []anthropic.TextBlockParam{{Text: s}}
	}
	return []anthropic.TextBlockParam{{Text: wireformat.MarshalCompact(system, 1<<20)}}
}

// convertTools renders the snapshot's tool definitions into typed params.
func convertTools(tools []wireformat.Object) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name, _ := wireformat.GetString(t, "name")
		desc, _ := wireformat.GetString(t, "description")
		schema, _ := wireformat.GetObject(t, "input_schema")

		var properties any
		if props, ok := schema["properties"]; ok {
			properties = props
		}

		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        name,
				Description: anthropic.String(desc),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: properties},
			},
		})
	}
	return out
}

// compactionBlockText scans a raw checkpoint response body for a content
// block of type "compaction" and returns its content string. The block
// kind is an upstream content-block type the typed SDK response doesn't model,
// so the raw body is parsed with wireformat rather than through the
// decoded anthropic.Message.
func compactionBlockText(raw []byte) (string, error) {
	body, err := wireformat.ParseBody(raw)
	if err != nil {
		return "", err
	}
	content, ok := wireformat.GetArray(body, "content")
	if !ok {
		return "", errNoCompactionBlock
	}
	for _, b := range wireformat.AsObjectSlice(content) {
		if wireformat.Kind(b) == "compaction" {
			text, _ := wireformat.GetString(b, "content")
			return text, nil
		}
	}
	return "", errNoCompactionBlock
}

// marshalRaw is a small helper used by tests to build a raw response body
// from a wireformat object without going through net/http.
func marshalRaw(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
