package gateway

import (
	"strings"

	"zengateway/internal/format"
)

// Pipeline re-frames one upstream SSE stream. Reads are appended to buffer,
// complete events are split off on the blank-line delimiter and the last,
// possibly partial, fragment stays buffered.
//
// Every complete event is trimmed and fed to the usage parser. With a
// converter the event is replaced by the caller-format events; without one
// the upstream bytes are returned exactly as read.
type Pipeline struct {
	buffer    string
	parser    format.UsageParser
	converter *format.StreamConverter
}

// NewPipeline builds a pipeline. A nil converter means passthrough.
func NewPipeline(parser format.UsageParser, converter *format.StreamConverter) *Pipeline {
	return &Pipeline{parser: parser, converter: converter}
}

// Feed consumes one upstream read and returns the bytes owed to the caller.
func (p *Pipeline) Feed(chunk []byte) []byte {
	p.buffer += string(chunk)
	parts := strings.Split(p.buffer, format.Delimiter)
	p.buffer = parts[len(parts)-1]

	var out []string
	for _, raw := range parts[:len(parts)-1] {
		out = append(out, p.event(raw)...)
	}
	if p.converter == nil {
		return chunk
	}
	return frame(out)
}

// Finish processes a non-empty tail as a final event and flushes the
// converter.
func (p *Pipeline) Finish() []byte {
	tail := p.buffer
	p.buffer = ""
	out := p.event(tail)
	if p.converter == nil {
		return nil
	}
	out = append(out, p.converter.Flush()...)
	return frame(out)
}

// Usage is the parser's result; nil when the upstream never reported any.
func (p *Pipeline) Usage() *format.Usage {
	return p.parser.Retrieve()
}

func (p *Pipeline) event(raw string) []string {
	ev := strings.TrimSpace(raw)
	if ev == "" {
		return nil
	}
	p.parser.Parse(ev)
	if p.converter == nil {
		return nil
	}
	return p.converter.Convert(ev)
}

func frame(events []string) []byte {
	if len(events) == 0 {
		return nil
	}
	var b strings.Builder
	for _, ev := range events {
		b.WriteString(ev)
		b.WriteString(format.Delimiter)
	}
	return []byte(b.String())
}
