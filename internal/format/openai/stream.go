package openai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"zengateway/internal/format"
)

// NewUsageParser implements format.Adapter. Only the response.completed
// event carries billable usage.
func (a *Adapter) NewUsageParser() format.UsageParser {
	return &usageParser{}
}

type usageParser struct {
	usage gjson.Result
}

func (p *usageParser) Parse(event string) {
	ev := format.ParseEvent(event)
	if ev.Name != "response.completed" || !gjson.Valid(ev.Data) {
		return
	}
	if u := gjson.Get(ev.Data, "response.usage"); u.IsObject() {
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

// NewStreamDecoder implements format.Adapter.
func (a *Adapter) NewStreamDecoder() format.StreamDecoder {
	return &streamDecoder{ordinals: make(map[int64]int)}
}

type streamDecoder struct {
	ordinals map[int64]int
	done     bool
}

func (d *streamDecoder) Decode(event string) []format.Chunk {
	ev := format.ParseEvent(event)
	if d.done || ev.Data == "" || !gjson.Valid(ev.Data) {
		return nil
	}
	root := gjson.Parse(ev.Data)
	kind := root.Get("type").String()
	if kind == "" {
		kind = ev.Name
	}

	switch kind {
	case "response.created":
		resp := root.Get("response")
		return []format.Chunk{{Kind: format.ChunkStart, ID: resp.Get("id").String(), Model: resp.Get("model").String()}}

	case "response.output_item.added":
		item := root.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil
		}
		ordinal := len(d.ordinals)
		d.ordinals[root.Get("output_index").Int()] = ordinal
		out := []format.Chunk{{
			Kind:       format.ChunkToolStart,
			Index:      ordinal,
			ToolCallID: item.Get("call_id").String(),
			ToolName:   item.Get("name").String(),
		}}
		if args := item.Get("arguments").String(); args != "" {
			out = append(out, format.Chunk{Kind: format.ChunkToolDelta, Index: ordinal, Arguments: args})
		}
		return out

	case "response.output_text.delta":
		return []format.Chunk{{Kind: format.ChunkText, Text: root.Get("delta").String()}}

	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		return []format.Chunk{{Kind: format.ChunkReasoning, Text: root.Get("delta").String()}}

	case "response.function_call_arguments.delta":
		ordinal, ok := d.ordinals[root.Get("output_index").Int()]
		if !ok {
			return nil
		}
		return []format.Chunk{{Kind: format.ChunkToolDelta, Index: ordinal, Arguments: root.Get("delta").String()}}

	case "response.completed", "response.incomplete", "response.failed":
		d.done = true
		resp := root.Get("response")
		finish := finishFor(resp.Get("status").String(), resp.Get("incomplete_details.reason").String(), len(d.ordinals) > 0)
		out := []format.Chunk{{Kind: format.ChunkFinish, FinishReason: finish}}
		if u := resp.Get("usage"); u.IsObject() {
			out = append(out, format.Chunk{Kind: format.ChunkUsage, Usage: normalizeUsage(u)})
		}
		return append(out, format.Chunk{Kind: format.ChunkDone})
	}
	return nil
}

// NewStreamEncoder implements format.Adapter.
func (a *Adapter) NewStreamEncoder() format.StreamEncoder {
	return &streamEncoder{created: time.Now().Unix(), tools: make(map[int]*toolState), openTool: -1}
}

type toolState struct {
	outputIndex int
	itemID      string
	callID      string
	name        string
	args        strings.Builder
	closed      bool
}

type streamEncoder struct {
	id      string
	model   string
	created int64
	seq     int
	started bool
	done    bool

	nextOutput int
	output     []outputItem

	msgOpen  bool
	msgIndex int
	msgText  strings.Builder

	reasonOpen  bool
	reasonIndex int
	reasonText  strings.Builder

	tools    map[int]*toolState
	openTool int

	finish format.FinishReason
	usage  *format.Usage
}

func (e *streamEncoder) Encode(c format.Chunk) []string {
	if e.done {
		return nil
	}
	if c.Kind == format.ChunkStart {
		e.id, e.model = c.ID, c.Model
	}
	out := e.ensureStarted()

	switch c.Kind {
	case format.ChunkText:
		if !e.msgOpen {
			out = append(out, e.closeReasoning()...)
			out = append(out, e.closeTool()...)
			out = append(out, e.openMessage()...)
		}
		e.msgText.WriteString(c.Text)
		out = append(out, e.emit("response.output_text.delta", map[string]any{
			"item_id":       e.messageID(),
			"output_index":  e.msgIndex,
			"content_index": 0,
			"delta":         c.Text,
		}))
	case format.ChunkReasoning:
		if !e.reasonOpen {
			out = append(out, e.closeMessage()...)
			out = append(out, e.closeTool()...)
			out = append(out, e.openReasoning())
		}
		e.reasonText.WriteString(c.Text)
		out = append(out, e.emit("response.reasoning_summary_text.delta", map[string]any{
			"item_id":       e.reasoningID(),
			"output_index":  e.reasonIndex,
			"summary_index": 0,
			"delta":         c.Text,
		}))
	case format.ChunkToolStart:
		out = append(out, e.closeMessage()...)
		out = append(out, e.closeReasoning()...)
		out = append(out, e.closeTool()...)
		out = append(out, e.openToolCall(c))
	case format.ChunkToolDelta:
		if t, ok := e.tools[c.Index]; ok && !t.closed {
			t.args.WriteString(c.Arguments)
			out = append(out, e.emit("response.function_call_arguments.delta", map[string]any{
				"item_id":      t.itemID,
				"output_index": t.outputIndex,
				"delta":        c.Arguments,
			}))
		}
	case format.ChunkFinish:
		e.finish = c.FinishReason
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
	if e.done {
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
	return []string{e.emit("response.created", map[string]any{"response": e.snapshot("in_progress")})}
}

func (e *streamEncoder) snapshot(status string) responseObject {
	resp := responseObject{
		ID:        e.id,
		Object:    "response",
		CreatedAt: e.created,
		Status:    status,
		Model:     e.model,
		Output:    e.output,
	}
	if resp.Output == nil {
		resp.Output = []outputItem{}
	}
	return resp
}

func (e *streamEncoder) messageID() string   { return "msg_" + e.id }
func (e *streamEncoder) reasoningID() string { return "rs_" + e.id }

func (e *streamEncoder) openMessage() []string {
	e.msgOpen = true
	e.msgIndex = e.nextOutput
	e.nextOutput++
	e.msgText.Reset()
	return []string{
		e.emit("response.output_item.added", map[string]any{
			"output_index": e.msgIndex,
			"item": outputItem{
				ID:      e.messageID(),
				Type:    "message",
				Status:  "in_progress",
				Role:    "assistant",
				Content: []outputContent{},
			},
		}),
		e.emit("response.content_part.added", map[string]any{
			"item_id":       e.messageID(),
			"output_index":  e.msgIndex,
			"content_index": 0,
			"part":          outputContent{Type: "output_text", Text: "", Annotations: []any{}},
		}),
	}
}

func (e *streamEncoder) closeMessage() []string {
	if !e.msgOpen {
		return nil
	}
	e.msgOpen = false
	text := e.msgText.String()
	part := outputContent{Type: "output_text", Text: text, Annotations: []any{}}
	item := outputItem{ID: e.messageID(), Type: "message", Status: "completed", Role: "assistant", Content: []outputContent{part}}
	e.output = append(e.output, item)
	return []string{
		e.emit("response.output_text.done", map[string]any{
			"item_id":       e.messageID(),
			"output_index":  e.msgIndex,
			"content_index": 0,
			"text":          text,
		}),
		e.emit("response.content_part.done", map[string]any{
			"item_id":       e.messageID(),
			"output_index":  e.msgIndex,
			"content_index": 0,
			"part":          part,
		}),
		e.emit("response.output_item.done", map[string]any{"output_index": e.msgIndex, "item": item}),
	}
}

func (e *streamEncoder) openReasoning() string {
	e.reasonOpen = true
	e.reasonIndex = e.nextOutput
	e.nextOutput++
	e.reasonText.Reset()
	return e.emit("response.output_item.added", map[string]any{
		"output_index": e.reasonIndex,
		"item":         map[string]any{"id": e.reasoningID(), "type": "reasoning", "summary": []any{}},
	})
}

func (e *streamEncoder) closeReasoning() []string {
	if !e.reasonOpen {
		return nil
	}
	e.reasonOpen = false
	item := outputItem{
		ID:      e.reasoningID(),
		Type:    "reasoning",
		Summary: []summaryText{{Type: "summary_text", Text: e.reasonText.String()}},
	}
	e.output = append(e.output, item)
	return []string{e.emit("response.output_item.done", map[string]any{"output_index": e.reasonIndex, "item": item})}
}

func (e *streamEncoder) openToolCall(c format.Chunk) string {
	t := &toolState{
		outputIndex: e.nextOutput,
		itemID:      fmt.Sprintf("fc_%s_%d", e.id, c.Index),
		callID:      c.ToolCallID,
		name:        c.ToolName,
	}
	e.nextOutput++
	e.tools[c.Index] = t
	e.openTool = c.Index
	empty := ""
	return e.emit("response.output_item.added", map[string]any{
		"output_index": t.outputIndex,
		"item": outputItem{
			ID:        t.itemID,
			Type:      "function_call",
			Status:    "in_progress",
			CallID:    t.callID,
			Name:      t.name,
			Arguments: &empty,
		},
	})
}

func (e *streamEncoder) closeTool() []string {
	if e.openTool < 0 {
		return nil
	}
	t := e.tools[e.openTool]
	e.openTool = -1
	t.closed = true
	args := t.args.String()
	item := outputItem{
		ID:        t.itemID,
		Type:      "function_call",
		Status:    "completed",
		CallID:    t.callID,
		Name:      t.name,
		Arguments: &args,
	}
	e.output = append(e.output, item)
	return []string{
		e.emit("response.function_call_arguments.done", map[string]any{
			"item_id":      t.itemID,
			"output_index": t.outputIndex,
			"arguments":    args,
		}),
		e.emit("response.output_item.done", map[string]any{"output_index": t.outputIndex, "item": item}),
	}
}

func (e *streamEncoder) finalize() []string {
	var out []string
	out = append(out, e.closeReasoning()...)
	out = append(out, e.closeMessage()...)
	out = append(out, e.closeTool()...)
	e.done = true

	status, name := "completed", "response.completed"
	if e.finish == format.FinishLength || e.finish == format.FinishContentFilter {
		status, name = "incomplete", "response.incomplete"
	}
	resp := e.snapshot(status)
	if status == "incomplete" {
		resp.IncompleteDetails = &incompleteDetails{Reason: incompleteReason(e.finish)}
	}
	if e.usage != nil {
		resp.Usage = encodeUsage(*e.usage)
	}
	return append(out, e.emit(name, map[string]any{"response": resp}))
}

// emit renders one event, stamping its type and sequence number.
func (e *streamEncoder) emit(name string, payload map[string]any) string {
	payload["type"] = name
	payload["sequence_number"] = e.seq
	e.seq++
	b, _ := json.Marshal(payload)
	return format.NamedEvent(name, b)
}
