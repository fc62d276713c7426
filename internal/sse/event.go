// Package sse implements incremental parsing and serialization of the
// Server-Sent Events wire protocol used by the upstream streaming endpoint,
// plus a forwarder that pipes parsed events to an HTTP client while
// extracting usage telemetry.
package sse

import "strings"

// Event is one dispatched SSE event: the client-visible event name, the
// concatenated data payload, the last-event-id, and a retry hint.
type Event struct {
	Event string
	Data  string
	ID    string
	Retry int
	// HasRetry distinguishes "retry field absent" from "retry: 0".
	HasRetry bool
}

// Bytes serializes the event back to wire form: one line per non-empty
// field, data split on internal newlines into multiple data: lines,
// terminated by a blank line.
func (e Event) Bytes() []byte {
	var b strings.Builder
	if e.Event != "" {
		b.WriteString("event: ")
		b.WriteString(e.Event)
		b.WriteString("\n")
	}
	if e.Data != "" {
		for _, line := range strings.Split(e.Data, "\n") {
			b.WriteString("data: ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	if e.ID != "" {
		b.WriteString("id: ")
		b.WriteString(e.ID)
		b.WriteString("\n")
	}
	if e.HasRetry {
		b.WriteString("retry: ")
		b.WriteString(itoa(e.Retry))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return []byte(b.String())
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		digits[i] = '-'
	}
	return string(digits[i:])
}

// isEmpty reports whether the event has no content worth dispatching.
func (e Event) isEmpty() bool {
	return e.Event == "" && e.Data == "" && e.ID == "" && !e.HasRetry
}
