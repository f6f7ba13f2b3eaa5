package oacompat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"zengateway/internal/format"
)

// NewStreamDecoder implements format.Adapter.
func (a *Adapter) NewStreamDecoder() format.StreamDecoder {
	return &streamDecoder{ordinals: make(map[int64]int)}
}

// NewStreamEncoder implements format.Adapter.
func (a *Adapter) NewStreamEncoder() format.StreamEncoder {
	return &streamEncoder{created: time.Now().Unix()}
}

// NewUsageParser implements format.Adapter.
func (a *Adapter) NewUsageParser() format.UsageParser {
	return &usageParser{}
}

type streamDecoder struct {
	started  bool
	ordinals map[int64]int
	done     bool
}

func (d *streamDecoder) Decode(event string) []format.Chunk {
	data := format.ParseEvent(event).Data
	if data == "" || d.done {
		return nil
	}
	if strings.TrimSpace(data) == format.DoneSentinel {
		d.done = true
		return []format.Chunk{{Kind: format.ChunkDone}}
	}
	if !gjson.Valid(data) {
		return nil
	}
	root := gjson.Parse(data)

	var out []format.Chunk
	if !d.started {
		d.started = true
		out = append(out, format.Chunk{Kind: format.ChunkStart, ID: root.Get("id").String(), Model: root.Get("model").String()})
	}

	choice := root.Get("choices.0")
	if choice.Exists() {
		delta := choice.Get("delta")
		if r := delta.Get("reasoning_content"); r.Type == gjson.String && r.String() != "" {
			out = append(out, format.Chunk{Kind: format.ChunkReasoning, Text: r.String()})
		}
		if c := delta.Get("content"); c.Type == gjson.String && c.String() != "" {
			out = append(out, format.Chunk{Kind: format.ChunkText, Text: c.String()})
		}
		for _, tc := range delta.Get("tool_calls").Array() {
			wire := tc.Get("index").Int()
			if id := tc.Get("id").String(); id != "" {
				ordinal := len(d.ordinals)
				d.ordinals[wire] = ordinal
				out = append(out, format.Chunk{
					Kind:       format.ChunkToolStart,
					Index:      ordinal,
					ToolCallID: id,
					ToolName:   tc.Get("function.name").String(),
				})
			}
			if args := tc.Get("function.arguments").String(); args != "" {
				ordinal, ok := d.ordinals[wire]
				if !ok {
					continue
				}
				out = append(out, format.Chunk{Kind: format.ChunkToolDelta, Index: ordinal, Arguments: args})
			}
		}
		if fr := choice.Get("finish_reason"); fr.Type == gjson.String {
			out = append(out, format.Chunk{Kind: format.ChunkFinish, FinishReason: decodeFinish(fr.String())})
		}
	}
	if usage := root.Get("usage"); usage.IsObject() {
		out = append(out, format.Chunk{Kind: format.ChunkUsage, Usage: normalizeUsage(usage)})
	}
	return out
}

type streamEncoder struct {
	id      string
	model   string
	created int64
	started bool
	done    bool
}

func (e *streamEncoder) Encode(c format.Chunk) []string {
	if e.done {
		return nil
	}
	var out []string
	if c.Kind == format.ChunkStart {
		e.id, e.model = c.ID, c.Model
	}
	if !e.started && c.Kind != format.ChunkDone {
		e.started = true
		empty := ""
		out = append(out, e.chunk(chatDelta{Role: "assistant", Content: &empty}, nil))
	}

	switch c.Kind {
	case format.ChunkText:
		text := c.Text
		out = append(out, e.chunk(chatDelta{Content: &text}, nil))
	case format.ChunkReasoning:
		text := c.Text
		out = append(out, e.chunk(chatDelta{ReasoningContent: &text}, nil))
	case format.ChunkToolStart:
		idx := c.Index
		out = append(out, e.chunk(chatDelta{ToolCalls: []chatToolCall{{
			Index:    &idx,
			ID:       c.ToolCallID,
			Type:     "function",
			Function: chatFunctionCall{Name: c.ToolName},
		}}}, nil))
	case format.ChunkToolDelta:
		idx := c.Index
		out = append(out, e.chunk(chatDelta{ToolCalls: []chatToolCall{{
			Index:    &idx,
			Function: chatFunctionCall{Arguments: c.Arguments},
		}}}, nil))
	case format.ChunkFinish:
		reason := string(c.FinishReason)
		out = append(out, e.chunk(chatDelta{}, &reason))
	case format.ChunkUsage:
		if c.Usage != nil {
			out = append(out, e.usageChunk(*c.Usage))
		}
	case format.ChunkDone:
		e.done = true
		out = append(out, format.DataEvent([]byte(format.DoneSentinel)))
	}
	return out
}

func (e *streamEncoder) Flush() []string {
	if e.done {
		return nil
	}
	e.done = true
	return []string{format.DataEvent([]byte(format.DoneSentinel))}
}

func (e *streamEncoder) chunk(delta chatDelta, finish *string) string {
	b, _ := json.Marshal(chatChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []chatChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
	return format.DataEvent(b)
}

func (e *streamEncoder) usageChunk(u format.Usage) string {
	b, _ := json.Marshal(chatChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []chatChunkChoice{},
		Usage:   encodeUsage(u),
	})
	return format.DataEvent(b)
}

// usageParser keeps the last usage object seen on a data line.
type usageParser struct {
	usage gjson.Result
}

func (p *usageParser) Parse(event string) {
	data := format.ParseEvent(event).Data
	if data == "" || data == format.DoneSentinel || !gjson.Valid(data) {
		return
	}
	if u := gjson.Get(data, "usage"); u.IsObject() {
		p.usage = u
	}
}

func (p *usageParser) ParseBody(body []byte) {
	if u := gjson.GetBytes(body, "usage"); u.IsObject() {
		p.usage = u
	}
}

func (p *usageParser) Retrieve() *format.Usage {
	if !p.usage.Exists() {
		return nil
	}
	return normalizeUsage(p.usage)
}
