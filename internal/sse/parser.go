package sse

import "strconv"

// Parser incrementally decodes SSE byte chunks into dispatched Events. It
// holds a line buffer for partial lines and an in-progress event between
// Feed calls.
type Parser struct {
	lineBuf []byte
	current Event
	dataBuf []string
}

// NewParser returns a ready-to-use Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends a chunk of upstream bytes and returns every event completed
// (dispatched on a blank line) by this chunk, in order.
func (p *Parser) Feed(chunk []byte) []Event {
	var out []Event
	p.lineBuf = append(p.lineBuf, chunk...)

	for {
		idx := indexByte(p.lineBuf, '\n')
		if idx < 0 {
			break
		}
		line := p.lineBuf[:idx]
		p.lineBuf = p.lineBuf[idx+1:]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}

		if len(line) == 0 {
			if !p.current.isEmpty() || len(p.dataBuf) > 0 {
				p.current.Data = joinLines(p.dataBuf)
				out = append(out, p.current)
			}
			p.current = Event{}
			p.dataBuf = nil
			continue
		}

		if line[0] == ':' {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			p.current.Event = value
		case "data":
			p.dataBuf = append(p.dataBuf, value)
		case "id":
			p.current.ID = value
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				p.current.Retry = n
				p.current.HasRetry = true
			}
			// silently ignored on parse error, per wire spec
		}
	}

	return out
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	out := lines[0]
	for _, l := range lines[1:] {
		out += "\n" + l
	}
	return out
}

// splitField splits a line into (field, value) per the SSE grammar:
// "field: value" (one leading space after the colon stripped), "field:"
// (empty value), or "field" with no colon (also empty value).
func splitField(line []byte) (string, string) {
	idx := indexByte(line, ':')
	if idx < 0 {
		return string(line), ""
	}
	field := string(line[:idx])
	value := line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return field, string(value)
}
