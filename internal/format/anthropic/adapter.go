// Package anthropic implements the Messages wire format.
package anthropic

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"zengateway/internal/format"
)

const (
	defaultVersion   = "2023-06-01"
	defaultMaxTokens = 4096
	longContextBeta  = "context-1m-2025-08-07"
)

// Adapter is the Messages strategy.
type Adapter struct{}

// New returns the Messages adapter.
func New() *Adapter { return &Adapter{} }

var _ format.Adapter = (*Adapter)(nil)

// Name implements format.Adapter.
func (a *Adapter) Name() format.Name { return format.Anthropic }

// ModifyURL implements format.Adapter.
func (a *Adapter) ModifyURL(base string) string {
	return strings.TrimRight(base, "/") + "/messages"
}

// ModifyBody implements format.Adapter.
func (a *Adapter) ModifyBody(body []byte) ([]byte, error) { return body, nil }

// ModifyHeaders sets the API key and version, keeping a caller-supplied
// anthropic-version. Sonnet models get the long-context beta flag.
func (a *Adapter) ModifyHeaders(h http.Header, body []byte, apiKey string) {
	h.Set("x-api-key", apiKey)
	if h.Get("anthropic-version") == "" {
		h.Set("anthropic-version", defaultVersion)
	}
	if strings.HasPrefix(gjson.GetBytes(body, "model").String(), "claude-sonnet-") {
		h.Set("anthropic-beta", longContextBeta)
	}
}

// DecodeRequest implements format.Adapter.
func (a *Adapter) DecodeRequest(body []byte) (*format.Request, error) {
	var in messagesRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("invalid messages request: %w", err)
	}
	req := &format.Request{
		Model:       in.Model,
		System:      blocksText(in.System, "\n"),
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        in.StopSequences,
		Stream:      in.Stream,
	}
	if in.MaxTokens > 0 {
		mt := in.MaxTokens
		req.MaxTokens = &mt
	}

	for _, m := range in.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
		parts, err := decodeContent(m.Content)
		if err != nil {
			return nil, err
		}
		if len(parts) > 0 {
			req.Messages = append(req.Messages, format.Message{Role: m.Role, Parts: parts})
		}
	}

	for _, t := range in.Tools {
		req.Tools = append(req.Tools, format.Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	if in.ToolChoice != nil {
		switch in.ToolChoice.Type {
		case "auto":
			req.ToolChoice = &format.ToolChoice{Mode: format.ToolChoiceAuto}
		case "any":
			req.ToolChoice = &format.ToolChoice{Mode: format.ToolChoiceRequired}
		case "none":
			req.ToolChoice = &format.ToolChoice{Mode: format.ToolChoiceNone}
		case "tool":
			req.ToolChoice = &format.ToolChoice{Mode: format.ToolChoiceTool, Name: in.ToolChoice.Name}
		}
	}
	return req, nil
}

// EncodeRequest implements format.Adapter. Consecutive messages of the same
// role are merged and max_tokens defaults to 4096.
func (a *Adapter) EncodeRequest(req *format.Request) ([]byte, error) {
	out := messagesRequest{
		Model:         req.Model,
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
		Messages:      []message{},
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}
	if req.System != "" {
		out.System = jsonString(req.System)
	}

	var pendingRole string
	var pending []contentBlock
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		raw, err := json.Marshal(pending)
		if err != nil {
			return err
		}
		out.Messages = append(out.Messages, message{Role: pendingRole, Content: raw})
		pending = nil
		return nil
	}
	for _, m := range req.Messages {
		blocks := encodeParts(m.Parts)
		if len(blocks) == 0 {
			continue
		}
		if m.Role != pendingRole {
			if err := flush(); err != nil {
				return nil, err
			}
			pendingRole = m.Role
		}
		pending = append(pending, blocks...)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case format.ToolChoiceAuto:
			out.ToolChoice = &toolChoice{Type: "auto"}
		case format.ToolChoiceRequired:
			out.ToolChoice = &toolChoice{Type: "any"}
		case format.ToolChoiceNone:
			out.ToolChoice = &toolChoice{Type: "none"}
		case format.ToolChoiceTool:
			out.ToolChoice = &toolChoice{Type: "tool", Name: tc.Name}
		}
	}
	return json.Marshal(out)
}

// DecodeResponse implements format.Adapter.
func (a *Adapter) DecodeResponse(body []byte) (*format.Response, error) {
	var in messagesResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("invalid messages response: %w", err)
	}
	resp := &format.Response{ID: in.ID, Model: in.Model, FinishReason: format.FinishStop}
	for _, b := range in.Content {
		switch b.Type {
		case "text":
			resp.Parts = append(resp.Parts, format.Part{Type: format.PartText, Text: b.Text})
		case "thinking":
			resp.Parts = append(resp.Parts, format.Part{Type: format.PartReasoning, Text: b.Thinking})
		case "tool_use":
			resp.Parts = append(resp.Parts, format.Part{
				Type:       format.PartToolCall,
				ToolCallID: b.ID,
				ToolName:   b.Name,
				Arguments:  string(b.Input),
			})
		}
	}
	if in.StopReason != nil {
		resp.FinishReason = decodeStopReason(*in.StopReason)
	}
	if u := gjson.GetBytes(body, "usage"); u.IsObject() {
		fields := make(usageFields)
		fields.merge(u)
		resp.Usage = fields.normalize()
	}
	return resp, nil
}

// EncodeResponse implements format.Adapter.
func (a *Adapter) EncodeResponse(resp *format.Response) ([]byte, error) {
	out := messagesResponse{
		ID:      resp.ID,
		Type:    "message",
		Role:    "assistant",
		Model:   resp.Model,
		Content: []contentBlock{},
	}
	for _, p := range resp.Parts {
		switch p.Type {
		case format.PartText:
			out.Content = append(out.Content, contentBlock{Type: "text", Text: p.Text})
		case format.PartReasoning:
			out.Content = append(out.Content, contentBlock{Type: "thinking", Thinking: p.Text})
		case format.PartToolCall:
			out.Content = append(out.Content, contentBlock{
				Type:  "tool_use",
				ID:    p.ToolCallID,
				Name:  p.ToolName,
				Input: toolInput(p.Arguments),
			})
		}
	}
	stop := encodeStopReason(resp.FinishReason)
	out.StopReason = &stop
	if resp.Usage != nil {
		out.Usage = encodeUsage(*resp.Usage)
	}
	return json.Marshal(out)
}

func decodeContent(raw json.RawMessage) ([]format.Part, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []format.Part{{Type: format.PartText, Text: s}}, nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("invalid message content: %w", err)
	}
	parts := make([]format.Part, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, format.Part{Type: format.PartText, Text: b.Text})
		case "thinking":
			parts = append(parts, format.Part{Type: format.PartReasoning, Text: b.Thinking})
		case "image":
			if b.Source == nil {
				continue
			}
			url := b.Source.URL
			if b.Source.Type == "base64" {
				url = "data:" + b.Source.MediaType + ";base64," + b.Source.Data
			}
			parts = append(parts, format.Part{Type: format.PartImage, ImageURL: url})
		case "tool_use":
			parts = append(parts, format.Part{
				Type:       format.PartToolCall,
				ToolCallID: b.ID,
				ToolName:   b.Name,
				Arguments:  string(b.Input),
			})
		case "tool_result":
			parts = append(parts, format.Part{
				Type:       format.PartToolResult,
				ToolCallID: b.ToolUseID,
				Text:       blocksText(b.Content, ""),
				IsError:    b.IsError,
			})
		}
	}
	return parts, nil
}

func encodeParts(parts []format.Part) []contentBlock {
	blocks := make([]contentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case format.PartText:
			if p.Text != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: p.Text})
			}
		case format.PartImage:
			blocks = append(blocks, contentBlock{Type: "image", Source: imageSourceFor(p.ImageURL)})
		case format.PartToolCall:
			blocks = append(blocks, contentBlock{
				Type:  "tool_use",
				ID:    p.ToolCallID,
				Name:  p.ToolName,
				Input: toolInput(p.Arguments),
			})
		case format.PartToolResult:
			blocks = append(blocks, contentBlock{
				Type:      "tool_result",
				ToolUseID: p.ToolCallID,
				Content:   jsonString(p.Text),
				IsError:   p.IsError,
			})
		}
		// Reasoning from other providers carries no signature and is dropped.
	}
	return blocks
}

func imageSourceFor(url string) *imageSource {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		if meta, data, found := strings.Cut(rest, ","); found {
			return &imageSource{Type: "base64", MediaType: strings.TrimSuffix(meta, ";base64"), Data: data}
		}
	}
	return &imageSource{Type: "url", URL: url}
}

// blocksText flattens a string or an array of text blocks.
func blocksText(raw json.RawMessage, sep string) string {
	if len(raw) == 0 {
		return ""
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	var texts []string
	for _, b := range r.Array() {
		if b.Get("type").String() == "text" {
			texts = append(texts, b.Get("text").String())
		}
	}
	return strings.Join(texts, sep)
}

func toolInput(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" || !json.Valid([]byte(args)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

func decodeStopReason(reason string) format.FinishReason {
	switch reason {
	case "max_tokens":
		return format.FinishLength
	case "tool_use":
		return format.FinishToolCalls
	case "refusal":
		return format.FinishContentFilter
	default:
		return format.FinishStop
	}
}

func encodeStopReason(reason format.FinishReason) string {
	switch reason {
	case format.FinishLength:
		return "max_tokens"
	case format.FinishToolCalls:
		return "tool_use"
	case format.FinishContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}

func encodeUsage(u format.Usage) usage {
	return usage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.CompletionTotal(),
		CacheReadInputTokens:     u.CacheReadTokens,
		CacheCreationInputTokens: u.CacheWrite5mTokens + u.CacheWrite1hTokens,
	}
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
