package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/dbproxy/dbproxy/internal/wireformat"
)

// ErrOverflow is returned when the cumulative forwarded byte count exceeds
// the configured buffer guard.
var ErrOverflow = errors.New("sse: buffer overflow")

// Usage is the running input/output token tally extracted from
// message_start and message_delta events.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

func (u *Usage) mergeFrom(o wireformat.Object) {
	if v, ok := wireformat.AsInt(o, "input_tokens"); ok {
		u.InputTokens = v
	}
	if v, ok := wireformat.AsInt(o, "output_tokens"); ok {
		u.OutputTokens = v
	}
	if v, ok := wireformat.AsInt(o, "cache_creation_input_tokens"); ok {
		u.CacheCreationInputTokens = v
	}
	if v, ok := wireformat.AsInt(o, "cache_read_input_tokens"); ok {
		u.CacheReadInputTokens = v
	}
}

// Total is the sum the buffer manager tracks as total_input_tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// Result summarizes what a forwarded stream observed.
type Result struct {
	Usage         Usage
	HasCompaction bool
	StopReason    string
	BytesWritten  int64
	// ContentBlocks holds the text of each completed text content block, in
	// order, finalized on content_block_stop. Non-text blocks (e.g. tool_use,
	// compaction) are not accumulated here.
	ContentBlocks []string
}

// Forwarder pipes upstream SSE bytes to an http.ResponseWriter unmodified
// while extracting usage and compaction telemetry from the parsed events.
type Forwarder struct {
	MaxBufferBytes int64
}

// NewForwarder returns a Forwarder with the given overflow guard. A
// non-positive limit disables the guard.
func NewForwarder(maxBufferBytes int64) *Forwarder {
	return &Forwarder{MaxBufferBytes: maxBufferBytes}
}

// Pipe reads upstream SSE bytes from r, writes them to w as they arrive
// (flushing after every chunk read), and returns the accumulated Result. It
// returns ErrOverflow if the guard is tripped, or ctx.Err() on
// cancellation.
func (f *Forwarder) Pipe(ctx context.Context, r io.Reader, w http.ResponseWriter) (Result, error) {
	flusher, _ := w.(http.Flusher)
	parser := NewParser()
	reader := bufio.NewReaderSize(r, 64*1024)

	var result Result
	var totalBytes int64
	st := &blockState{}
	buf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			totalBytes += int64(n)
			if f.MaxBufferBytes > 0 && totalBytes > f.MaxBufferBytes {
				return result, ErrOverflow
			}

			events := parser.Feed(chunk)

			if _, werr := w.Write(chunk); werr != nil {
				return result, werr
			}
			result.BytesWritten += int64(n)
			if flusher != nil {
				flusher.Flush()
			}

			for _, ev := range events {
				f.observe(ev, &result, st)
			}
		}
		if err != nil {
			if err == io.EOF {
				return result, nil
			}
			return result, err
		}
	}
}

// blockState tracks the content block currently being streamed, so text
// deltas can be accumulated and flushed into Result.ContentBlocks on
// content_block_stop.
type blockState struct {
	kind string
	text strings.Builder
}

func (f *Forwarder) observe(ev Event, result *Result, st *blockState) {
	if ev.Data == "" {
		return
	}
	var payload wireformat.Object
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		return
	}

	switch wireformat.Kind(payload) {
	case "message_start":
		if msg, ok := wireformat.GetObject(payload, "message"); ok {
			if usage, ok := wireformat.GetObject(msg, "usage"); ok {
				result.Usage.mergeFrom(usage)
			}
		}
	case "content_block_start":
		st.kind = ""
		st.text.Reset()
		if block, ok := wireformat.GetObject(payload, "content_block"); ok {
			st.kind = wireformat.Kind(block)
			if st.kind == "compaction" {
				result.HasCompaction = true
			}
		}
	case "content_block_delta":
		if delta, ok := wireformat.GetObject(payload, "delta"); ok {
			switch wireformat.Kind(delta) {
			case "compaction_delta":
				result.HasCompaction = true
			case "text_delta":
				if text, ok := wireformat.GetString(delta, "text"); ok {
					st.text.WriteString(text)
				}
			}
		}
	case "content_block_stop":
		if st.kind == "text" {
			result.ContentBlocks = append(result.ContentBlocks, st.text.String())
		}
		st.kind = ""
		st.text.Reset()
	case "message_delta":
		if delta, ok := wireformat.GetObject(payload, "delta"); ok {
			if sr, ok := wireformat.GetString(delta, "stop_reason"); ok {
				result.StopReason = sr
			}
		}
		if usage, ok := wireformat.GetObject(payload, "usage"); ok {
			result.Usage.mergeFrom(usage)
		}
	}
}
