package anthropic

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"zengateway/internal/format"
)

// usageFields is a running merge of usage objects. Later non-null fields
// replace earlier ones, so message_start input counts survive a
// message_delta that only reports output.
type usageFields map[string]gjson.Result

func (f usageFields) merge(u gjson.Result) {
	u.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.Null {
			f[key.String()] = value
		}
		return true
	})
}

func (f usageFields) normalize() *format.Usage {
	write5m := f["cache_creation"].Get("ephemeral_5m_input_tokens")
	if !write5m.Exists() {
		write5m = f["cache_creation_input_tokens"]
	}
	return &format.Usage{
		InputTokens:        f["input_tokens"].Int(),
		OutputTokens:       f["output_tokens"].Int(),
		CacheReadTokens:    f["cache_read_input_tokens"].Int(),
		CacheWrite5mTokens: write5m.Int(),
		CacheWrite1hTokens: f["cache_creation"].Get("ephemeral_1h_input_tokens").Int(),
	}
}

// NewUsageParser implements format.Adapter.
func (a *Adapter) NewUsageParser() format.UsageParser {
	return &usageParser{fields: make(usageFields)}
}

type usageParser struct {
	fields usageFields
}

func (p *usageParser) Parse(event string) {
	data := format.ParseEvent(event).Data
	if data == "" || !gjson.Valid(data) {
		return
	}
	root := gjson.Parse(data)
	u := root.Get("usage")
	if !u.IsObject() {
		u = root.Get("message.usage")
	}
	if u.IsObject() {
		p.fields.merge(u)
	}
}

func (p *usageParser) ParseBody(body []byte) {
	if u := gjson.GetBytes(body, "usage"); u.IsObject() {
		p.fields.merge(u)
	}
}

func (p *usageParser) Retrieve() *format.Usage {
	if len(p.fields) == 0 {
		return nil
	}
	return p.fields.normalize()
}

// NewStreamDecoder implements format.Adapter.
func (a *Adapter) NewStreamDecoder() format.StreamDecoder {
	return &streamDecoder{ordinals: make(map[int64]int), usage: make(usageFields)}
}

type streamDecoder struct {
	ordinals map[int64]int
	usage    usageFields
}

func (d *streamDecoder) Decode(event string) []format.Chunk {
	ev := format.ParseEvent(event)
	if ev.Data == "" || !gjson.Valid(ev.Data) {
		return nil
	}
	root := gjson.Parse(ev.Data)
	kind := root.Get("type").String()
	if kind == "" {
		kind = ev.Name
	}

	switch kind {
	case "message_start":
		msg := root.Get("message")
		if u := msg.Get("usage"); u.IsObject() {
			d.usage.merge(u)
		}
		return []format.Chunk{{Kind: format.ChunkStart, ID: msg.Get("id").String(), Model: msg.Get("model").String()}}

	case "content_block_start":
		block := root.Get("content_block")
		if block.Get("type").String() != "tool_use" {
			return nil
		}
		ordinal := len(d.ordinals)
		d.ordinals[root.Get("index").Int()] = ordinal
		return []format.Chunk{{
			Kind:       format.ChunkToolStart,
			Index:      ordinal,
			ToolCallID: block.Get("id").String(),
			ToolName:   block.Get("name").String(),
		}}

	case "content_block_delta":
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []format.Chunk{{Kind: format.ChunkText, Text: delta.Get("text").String()}}
		case "thinking_delta":
			return []format.Chunk{{Kind: format.ChunkReasoning, Text: delta.Get("thinking").String()}}
		case "input_json_delta":
			ordinal, ok := d.ordinals[root.Get("index").Int()]
			if !ok {
				return nil
			}
			return []format.Chunk{{Kind: format.ChunkToolDelta, Index: ordinal, Arguments: delta.Get("partial_json").String()}}
		}

	case "message_delta":
		var out []format.Chunk
		if sr := root.Get("delta.stop_reason"); sr.Type == gjson.String {
			out = append(out, format.Chunk{Kind: format.ChunkFinish, FinishReason: decodeStopReason(sr.String())})
		}
		if u := root.Get("usage"); u.IsObject() {
			d.usage.merge(u)
			out = append(out, format.Chunk{Kind: format.ChunkUsage, Usage: d.usage.normalize()})
		}
		return out

	case "message_stop":
		return []format.Chunk{{Kind: format.ChunkDone}}
	}
	return nil
}

// NewStreamEncoder implements format.Adapter.
func (a *Adapter) NewStreamEncoder() format.StreamEncoder {
	return &streamEncoder{openBlock: -1, toolBlocks: make(map[int]int)}
}

type streamEncoder struct {
	id      string
	model   string
	started bool
	stopped bool

	nextBlock  int
	openBlock  int
	openType   string
	toolBlocks map[int]int

	finish format.FinishReason
	usage  *format.Usage
}

func (e *streamEncoder) Encode(c format.Chunk) []string {
	if e.stopped {
		return nil
	}
	var out []string
	if c.Kind == format.ChunkStart {
		e.id, e.model = c.ID, c.Model
	}
	out = append(out, e.ensureStarted()...)

	switch c.Kind {
	case format.ChunkText:
		out = append(out, e.openIfNeeded("text", map[string]any{"type": "text", "text": ""})...)
		out = append(out, e.delta(e.openBlock, map[string]any{"type": "text_delta", "text": c.Text}))
	case format.ChunkReasoning:
		out = append(out, e.openIfNeeded("thinking", map[string]any{"type": "thinking", "thinking": ""})...)
		out = append(out, e.delta(e.openBlock, map[string]any{"type": "thinking_delta", "thinking": c.Text}))
	case format.ChunkToolStart:
		out = append(out, e.closeBlock()...)
		out = append(out, e.open("tool_use", map[string]any{
			"type":  "tool_use",
			"id":    c.ToolCallID,
			"name":  c.ToolName,
			"input": map[string]any{},
		}))
		e.toolBlocks[c.Index] = e.openBlock
	case format.ChunkToolDelta:
		if idx, ok := e.toolBlocks[c.Index]; ok {
			out = append(out, e.delta(idx, map[string]any{"type": "input_json_delta", "partial_json": c.Arguments}))
		}
	case format.ChunkFinish:
		e.finish = c.FinishReason
		out = append(out, e.closeBlock()...)
	case format.ChunkUsage:
		if c.Usage != nil {
			u := *c.Usage
			e.usage = &u
		}
	case format.ChunkDone:
		out = append(out, e.finalize()...)
	}
	return out
}

func (e *streamEncoder) Flush() []string {
	if e.stopped {
		return nil
	}
	out := e.ensureStarted()
	return append(out, e.finalize()...)
}

func (e *streamEncoder) ensureStarted() []string {
	if e.started {
		return nil
	}
	e.started = true
	return []string{event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            e.id,
			"type":          "message",
			"role":          "assistant",
			"model":         e.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})}
}

func (e *streamEncoder) openIfNeeded(blockType string, block map[string]any) []string {
	if e.openBlock >= 0 && e.openType == blockType {
		return nil
	}
	out := e.closeBlock()
	return append(out, e.open(blockType, block))
}

func (e *streamEncoder) open(blockType string, block map[string]any) string {
	e.openBlock = e.nextBlock
	e.openType = blockType
	e.nextBlock++
	return event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         e.openBlock,
		"content_block": block,
	})
}

func (e *streamEncoder) closeBlock() []string {
	if e.openBlock < 0 {
		return nil
	}
	idx := e.openBlock
	e.openBlock = -1
	e.openType = ""
	return []string{event("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})}
}

func (e *streamEncoder) delta(index int, delta map[string]any) string {
	return event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": delta,
	})
}

func (e *streamEncoder) finalize() []string {
	out := e.closeBlock()
	e.stopped = true

	u := usage{}
	if e.usage != nil {
		u = encodeUsage(*e.usage)
	}
	out = append(out,
		event("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": encodeStopReason(e.finish), "stop_sequence": nil},
			"usage": u,
		}),
		event("message_stop", map[string]any{"type": "message_stop"}),
	)
	return out
}

func event(name string, payload any) string {
	b, _ := json.Marshal(payload)
	return format.NamedEvent(name, b)
}
