package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	. "github.com/dbproxy/dbproxy/internal/logging"
	"github.com/dbproxy/dbproxy/internal/buffer"
)

var errNoCompactionBlock = errors.New("upstream: checkpoint response carried no compaction content block")

const checkpointMaxTokens = 4096

// CheckpointClient implements buffer.CheckpointClient by issuing the
// COMPACT-directive call to the real upstream, as described in spec
// section 4.3.
type CheckpointClient struct {
	client anthropic.Client
	cfg    Config
}

// NewCheckpointClient builds a checkpoint client sharing httpClient (which
// should already carry the DNS-override dialer and SNI-split TLS config)
// with every other outbound caller.
func NewCheckpointClient(cfg Config, httpClient *http.Client) *CheckpointClient {
	client := anthropic.NewClient(
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(httpClient),
	)
	return &CheckpointClient{client: client, cfg: cfg}
}

// GenerateCheckpoint posts the sanitized message history with a COMPACT
// context_management directive and extracts the resulting summary.
func (c *CheckpointClient) GenerateCheckpoint(ctx context.Context, req buffer.CheckpointCallRequest) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: checkpointMaxTokens,
		Messages:  convertMessages(req.Messages),
	}
	if system := convertSystem(req.System); len(system) > 0 {
		params.System = system
	}
	if tools := convertTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	compactDirective := map[string]any{
		"edits": []map[string]any{
			{
				"type": "compact",
				"trigger": map[string]any{
					"kind":  "input_tokens",
					"value": req.CompactTriggerTokens,
				},
				"pause_after_compaction": true,
			},
		},
	}

	opts := []option.RequestOption{
		option.WithJSONSet("context_management", compactDirective),
		option.WithHeader("anthropic-beta", c.cfg.BetaHeader),
		option.WithHeader("anthropic-version", c.cfg.APIVersion),
	}
	for k, v := range req.AuthHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}
	if values, err := url.ParseQuery(req.Query); err == nil {
		for k, vs := range values {
			for _, v := range vs {
				opts = append(opts, option.WithQuery(k, v))
			}
		}
	}

	var raw []byte
	opts = append(opts, option.WithResponseBodyInto(&raw))

	_, err := c.client.Messages.New(ctx, params, opts...)
	if err != nil && len(raw) == 0 {
		return "", fmt.Errorf("upstream: checkpoint call failed: %w", err)
	}
	if err != nil {
		L_debug("upstream: checkpoint response failed typed decode, falling back to raw body", "error", err)
	}

	text, err := compactionBlockText(raw)
	if err != nil {
		return "", err
	}
	return text, nil
}
