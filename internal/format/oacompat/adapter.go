// Package oacompat implements the Chat Completions wire format used by
// OpenAI-compatible providers.
package oacompat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"zengateway/internal/format"
)

// Adapter is the Chat Completions strategy.
type Adapter struct{}

// New returns the Chat Completions adapter.
func New() *Adapter { return &Adapter{} }

var _ format.Adapter = (*Adapter)(nil)

// Name implements format.Adapter.
func (a *Adapter) Name() format.Name { return format.OpenAICompatible }

// ModifyURL implements format.Adapter.
func (a *Adapter) ModifyURL(base string) string {
	return strings.TrimRight(base, "/") + "/chat/completions"
}

// ModifyBody asks streaming providers to append a usage chunk.
func (a *Adapter) ModifyBody(body []byte) ([]byte, error) {
	if !gjson.GetBytes(body, "stream").Bool() {
		return body, nil
	}
	out, err := sjson.SetBytes(body, "stream_options.include_usage", true)
	if err != nil {
		return nil, fmt.Errorf("setting stream_options: %w", err)
	}
	return out, nil
}

// ModifyHeaders implements format.Adapter.
func (a *Adapter) ModifyHeaders(h http.Header, _ []byte, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

// DecodeRequest implements format.Adapter.
func (a *Adapter) DecodeRequest(body []byte) (*format.Request, error) {
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("invalid chat completions request: %w", err)
	}

	req := &format.Request{
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
	}
	if req.MaxTokens == nil {
		req.MaxTokens = in.MaxCompletionTokens
	}
	req.Stop = decodeStop(in.Stop)

	var system []string
	for _, m := range in.Messages {
		switch m.Role {
		case "system", "developer":
			if text := contentText(m.Content); text != "" {
				system = append(system, text)
			}
		case "user":
			parts, err := decodeUserContent(m.Content)
			if err != nil {
				return nil, err
			}
			req.Messages = appendMessage(req.Messages, "user", parts...)
		case "assistant":
			var parts []format.Part
			if m.ReasoningContent != "" {
				parts = append(parts, format.Part{Type: format.PartReasoning, Text: m.ReasoningContent})
			}
			if text := contentText(m.Content); text != "" {
				parts = append(parts, format.Part{Type: format.PartText, Text: text})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, format.Part{
					Type:       format.PartToolCall,
					ToolCallID: tc.ID,
					ToolName:   tc.Function.Name,
					Arguments:  tc.Function.Arguments,
				})
			}
			req.Messages = appendMessage(req.Messages, "assistant", parts...)
		case "tool":
			req.Messages = appendMessage(req.Messages, "user", format.Part{
				Type:       format.PartToolResult,
				ToolCallID: m.ToolCallID,
				Text:       contentText(m.Content),
			})
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	req.System = strings.Join(system, "\n\n")

	for _, t := range in.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, format.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	req.ToolChoice = decodeToolChoice(in.ToolChoice)
	return req, nil
}

// EncodeRequest implements format.Adapter.
func (a *Adapter) EncodeRequest(req *format.Request) ([]byte, error) {
	out := chatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if len(req.Stop) > 0 {
		stop, err := json.Marshal(req.Stop)
		if err != nil {
			return nil, err
		}
		out.Stop = stop
	}

	if req.System != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: jsonString(req.System)})
	}
	for _, m := range req.Messages {
		msgs, err := encodeMessage(m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msgs...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if req.ToolChoice != nil {
		choice, err := encodeToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		out.ToolChoice = choice
	}
	return json.Marshal(out)
}

// DecodeResponse implements format.Adapter.
func (a *Adapter) DecodeResponse(body []byte) (*format.Response, error) {
	var in chatResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("invalid chat completions response: %w", err)
	}
	resp := &format.Response{ID: in.ID, Model: in.Model, FinishReason: format.FinishStop}
	if len(in.Choices) > 0 {
		choice := in.Choices[0]
		m := choice.Message
		if m.ReasoningContent != "" {
			resp.Parts = append(resp.Parts, format.Part{Type: format.PartReasoning, Text: m.ReasoningContent})
		}
		if text := contentText(m.Content); text != "" {
			resp.Parts = append(resp.Parts, format.Part{Type: format.PartText, Text: text})
		}
		for _, tc := range m.ToolCalls {
			resp.Parts = append(resp.Parts, format.Part{
				Type:       format.PartToolCall,
				ToolCallID: tc.ID,
				ToolName:   tc.Function.Name,
				Arguments:  tc.Function.Arguments,
			})
		}
		if choice.FinishReason != nil {
			resp.FinishReason = decodeFinish(*choice.FinishReason)
		}
	}
	if usage := gjson.GetBytes(body, "usage"); usage.IsObject() {
		resp.Usage = normalizeUsage(usage)
	}
	return resp, nil
}

// EncodeResponse implements format.Adapter.
func (a *Adapter) EncodeResponse(resp *format.Response) ([]byte, error) {
	msg := chatMessage{Role: "assistant"}
	var text strings.Builder
	for _, p := range resp.Parts {
		switch p.Type {
		case format.PartText:
			text.WriteString(p.Text)
		case format.PartReasoning:
			msg.ReasoningContent += p.Text
		case format.PartToolCall:
			msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
				ID:       p.ToolCallID,
				Type:     "function",
				Function: chatFunctionCall{Name: p.ToolName, Arguments: p.Arguments},
			})
		}
	}
	if text.Len() > 0 || len(msg.ToolCalls) == 0 {
		msg.Content = jsonString(text.String())
	} else {
		msg.Content = json.RawMessage("null")
	}

	finish := string(resp.FinishReason)
	if finish == "" {
		finish = string(format.FinishStop)
	}
	out := chatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chatChoice{{Index: 0, Message: msg, FinishReason: &finish}},
	}
	if resp.Usage != nil {
		out.Usage = encodeUsage(*resp.Usage)
	}
	return json.Marshal(out)
}

func encodeMessage(m format.Message) ([]chatMessage, error) {
	if m.Role == "assistant" {
		msg := chatMessage{Role: "assistant"}
		var text strings.Builder
		for _, p := range m.Parts {
			switch p.Type {
			case format.PartText:
				text.WriteString(p.Text)
			case format.PartToolCall:
				msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
					ID:       p.ToolCallID,
					Type:     "function",
					Function: chatFunctionCall{Name: p.ToolName, Arguments: argumentsOrEmpty(p.Arguments)},
				})
			}
		}
		if text.Len() > 0 {
			msg.Content = jsonString(text.String())
		} else if len(msg.ToolCalls) == 0 {
			return nil, nil
		}
		return []chatMessage{msg}, nil
	}

	var out []chatMessage
	var parts []contentPart
	for _, p := range m.Parts {
		switch p.Type {
		case format.PartToolResult:
			out = append(out, chatMessage{Role: "tool", ToolCallID: p.ToolCallID, Content: jsonString(p.Text)})
		case format.PartText:
			parts = append(parts, contentPart{Type: "text", Text: p.Text})
		case format.PartImage:
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: p.ImageURL}})
		}
	}
	switch {
	case len(parts) == 1 && parts[0].Type == "text":
		out = append(out, chatMessage{Role: "user", Content: jsonString(parts[0].Text)})
	case len(parts) > 0:
		raw, err := json.Marshal(parts)
		if err != nil {
			return nil, err
		}
		out = append(out, chatMessage{Role: "user", Content: raw})
	}
	return out, nil
}

func decodeUserContent(raw json.RawMessage) ([]format.Part, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []format.Part{{Type: format.PartText, Text: s}}, nil
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("invalid message content: %w", err)
	}
	out := make([]format.Part, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, format.Part{Type: format.PartText, Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				out = append(out, format.Part{Type: format.PartImage, ImageURL: p.ImageURL.URL})
			}
		}
	}
	return out, nil
}

// contentText flattens string or text-part content into plain text.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	var b strings.Builder
	for _, p := range r.Array() {
		if p.Get("type").String() == "text" {
			b.WriteString(p.Get("text").String())
		}
	}
	return b.String()
}

func decodeStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return []string{r.String()}
	}
	var out []string
	for _, s := range r.Array() {
		out = append(out, s.String())
	}
	return out
}

func decodeToolChoice(raw json.RawMessage) *format.ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		switch mode := r.String(); mode {
		case format.ToolChoiceAuto, format.ToolChoiceNone, format.ToolChoiceRequired:
			return &format.ToolChoice{Mode: mode}
		}
		return nil
	}
	if name := r.Get("function.name").String(); name != "" {
		return &format.ToolChoice{Mode: format.ToolChoiceTool, Name: name}
	}
	return nil
}

func encodeToolChoice(tc *format.ToolChoice) (json.RawMessage, error) {
	if tc.Mode == format.ToolChoiceTool {
		var named namedToolChoice
		named.Type = "function"
		named.Function.Name = tc.Name
		return json.Marshal(named)
	}
	return jsonString(tc.Mode), nil
}

func decodeFinish(reason string) format.FinishReason {
	switch reason {
	case "length":
		return format.FinishLength
	case "tool_calls", "function_call":
		return format.FinishToolCalls
	case "content_filter":
		return format.FinishContentFilter
	default:
		return format.FinishStop
	}
}

// normalizeUsage maps a Chat Completions usage object onto the billing
// categories. Cached prompt tokens and reasoning tokens are split out of
// their totals.
func normalizeUsage(u gjson.Result) *format.Usage {
	cached := u.Get("cached_tokens")
	if !cached.Exists() {
		cached = u.Get("prompt_tokens_details.cached_tokens")
	}
	reasoning := u.Get("completion_tokens_details.reasoning_tokens").Int()
	return &format.Usage{
		InputTokens:     nonNegative(u.Get("prompt_tokens").Int() - cached.Int()),
		OutputTokens:    nonNegative(u.Get("completion_tokens").Int() - reasoning),
		ReasoningTokens: reasoning,
		CacheReadTokens: cached.Int(),
	}
}

func encodeUsage(u format.Usage) *chatUsage {
	out := &chatUsage{
		PromptTokens:     u.PromptTotal(),
		CompletionTokens: u.CompletionTotal(),
	}
	out.TotalTokens = out.PromptTokens + out.CompletionTokens
	if u.CacheReadTokens > 0 {
		out.PromptTokensDetails = &promptTokensDetails{CachedTokens: u.CacheReadTokens}
	}
	if u.ReasoningTokens > 0 {
		out.CompletionTokensDetails = &completionTokensDetails{ReasoningTokens: u.ReasoningTokens}
	}
	return out
}

func appendMessage(msgs []format.Message, role string, parts ...format.Part) []format.Message {
	if len(parts) == 0 {
		return msgs
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == role && role == "user" {
		msgs[n-1].Parts = append(msgs[n-1].Parts, parts...)
		return msgs
	}
	return append(msgs, format.Message{Role: role, Parts: parts})
}

func argumentsOrEmpty(args string) string {
	if strings.TrimSpace(args) == "" {
		return "{}"
	}
	return args
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
