// Package openai implements the Responses wire format.
package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"zengateway/internal/format"
)

// Adapter is the Responses strategy.
type Adapter struct{}

// New returns the Responses adapter.
func New() *Adapter { return &Adapter{} }

var _ format.Adapter = (*Adapter)(nil)

// Name implements format.Adapter.
func (a *Adapter) Name() format.Name { return format.OpenAI }

// ModifyURL implements format.Adapter.
func (a *Adapter) ModifyURL(base string) string {
	return strings.TrimRight(base, "/") + "/responses"
}

// ModifyBody implements format.Adapter.
func (a *Adapter) ModifyBody(body []byte) ([]byte, error) { return body, nil }

// ModifyHeaders implements format.Adapter.
func (a *Adapter) ModifyHeaders(h http.Header, _ []byte, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

// DecodeRequest implements format.Adapter.
func (a *Adapter) DecodeRequest(body []byte) (*format.Request, error) {
	var in responsesRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("invalid responses request: %w", err)
	}
	req := &format.Request{
		Model:       in.Model,
		MaxTokens:   in.MaxOutputTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
	}
	system := []string{}
	if in.Instructions != "" {
		system = append(system, in.Instructions)
	}

	input := gjson.ParseBytes(in.Input)
	if input.Type == gjson.String {
		req.Messages = []format.Message{{Role: "user", Parts: []format.Part{{Type: format.PartText, Text: input.String()}}}}
	} else if len(in.Input) > 0 {
		var items []inputItem
		if err := json.Unmarshal(in.Input, &items); err != nil {
			return nil, fmt.Errorf("invalid responses input: %w", err)
		}
		for _, item := range items {
			switch item.Type {
			case "function_call":
				req.Messages = appendPart(req.Messages, "assistant", format.Part{
					Type:       format.PartToolCall,
					ToolCallID: item.CallID,
					ToolName:   item.Name,
					Arguments:  item.Arguments,
				})
			case "function_call_output":
				out := ""
				if item.Output != nil {
					out = *item.Output
				}
				req.Messages = appendPart(req.Messages, "user", format.Part{
					Type:       format.PartToolResult,
					ToolCallID: item.CallID,
					Text:       out,
				})
			case "", "message":
				switch item.Role {
				case "system", "developer":
					if text := contentText(item.Content); text != "" {
						system = append(system, text)
					}
				case "user", "assistant":
					parts, err := decodeContent(item.Content)
					if err != nil {
						return nil, err
					}
					req.Messages = appendPart(req.Messages, item.Role, parts...)
				default:
					return nil, fmt.Errorf("unsupported message role %q", item.Role)
				}
			}
		}
	}
	req.System = strings.Join(system, "\n\n")

	for _, t := range in.Tools {
		if t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, format.Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	if len(in.ToolChoice) > 0 {
		tc := gjson.ParseBytes(in.ToolChoice)
		switch {
		case tc.Type == gjson.String:
			switch mode := tc.String(); mode {
			case format.ToolChoiceAuto, format.ToolChoiceNone, format.ToolChoiceRequired:
				req.ToolChoice = &format.ToolChoice{Mode: mode}
			}
		case tc.Get("name").String() != "":
			req.ToolChoice = &format.ToolChoice{Mode: format.ToolChoiceTool, Name: tc.Get("name").String()}
		}
	}
	return req, nil
}

// EncodeRequest implements format.Adapter. Stop sequences have no
// Responses equivalent and are dropped.
func (a *Adapter) EncodeRequest(req *format.Request) ([]byte, error) {
	out := responsesRequest{
		Model:           req.Model,
		Instructions:    req.System,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
	}

	items := []inputItem{}
	for _, m := range req.Messages {
		var content []inputContent
		flush := func() error {
			if len(content) == 0 {
				return nil
			}
			raw, err := json.Marshal(content)
			if err != nil {
				return err
			}
			items = append(items, inputItem{Type: "message", Role: m.Role, Content: raw})
			content = nil
			return nil
		}
		for _, p := range m.Parts {
			switch p.Type {
			case format.PartText:
				typ := "input_text"
				if m.Role == "assistant" {
					typ = "output_text"
				}
				content = append(content, inputContent{Type: typ, Text: p.Text})
			case format.PartImage:
				content = append(content, inputContent{Type: "input_image", ImageURL: p.ImageURL})
			case format.PartToolCall:
				if err := flush(); err != nil {
					return nil, err
				}
				items = append(items, inputItem{
					Type:      "function_call",
					CallID:    p.ToolCallID,
					Name:      p.ToolName,
					Arguments: argumentsOrEmpty(p.Arguments),
				})
			case format.PartToolResult:
				if err := flush(); err != nil {
					return nil, err
				}
				output := p.Text
				items = append(items, inputItem{Type: "function_call_output", CallID: p.ToolCallID, Output: &output})
			}
		}
		if err := flush(); err != nil {
			return nil, err
		}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	out.Input = raw

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, functionTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	if tc := req.ToolChoice; tc != nil {
		if tc.Mode == format.ToolChoiceTool {
			out.ToolChoice, err = json.Marshal(map[string]string{"type": "function", "name": tc.Name})
			if err != nil {
				return nil, err
			}
		} else {
			out.ToolChoice = jsonString(tc.Mode)
		}
	}
	return json.Marshal(out)
}

// DecodeResponse implements format.Adapter.
func (a *Adapter) DecodeResponse(body []byte) (*format.Response, error) {
	var in responseObject
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("invalid responses response: %w", err)
	}
	resp := &format.Response{ID: in.ID, Model: in.Model}
	sawTool := false
	for _, item := range in.Output {
		switch item.Type {
		case "reasoning":
			for _, s := range item.Summary {
				resp.Parts = append(resp.Parts, format.Part{Type: format.PartReasoning, Text: s.Text})
			}
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					resp.Parts = append(resp.Parts, format.Part{Type: format.PartText, Text: c.Text})
				}
			}
		case "function_call":
			sawTool = true
			args := ""
			if item.Arguments != nil {
				args = *item.Arguments
			}
			resp.Parts = append(resp.Parts, format.Part{
				Type:       format.PartToolCall,
				ToolCallID: item.CallID,
				ToolName:   item.Name,
				Arguments:  args,
			})
		}
	}
	incomplete := ""
	if in.IncompleteDetails != nil {
		incomplete = in.IncompleteDetails.Reason
	}
	resp.FinishReason = finishFor(in.Status, incomplete, sawTool)
	if u := gjson.GetBytes(body, "usage"); u.IsObject() {
		resp.Usage = normalizeUsage(u)
	}
	return resp, nil
}

// EncodeResponse implements format.Adapter.
func (a *Adapter) EncodeResponse(resp *format.Response) ([]byte, error) {
	out := responseObject{
		ID:        resp.ID,
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Status:    "completed",
		Model:     resp.Model,
	}

	var reasoning []summaryText
	var content []outputContent
	var calls []outputItem
	for _, p := range resp.Parts {
		switch p.Type {
		case format.PartReasoning:
			reasoning = append(reasoning, summaryText{Type: "summary_text", Text: p.Text})
		case format.PartText:
			content = append(content, outputContent{Type: "output_text", Text: p.Text, Annotations: []any{}})
		case format.PartToolCall:
			args := p.Arguments
			calls = append(calls, outputItem{
				ID:        fmt.Sprintf("fc_%s_%d", resp.ID, len(calls)),
				Type:      "function_call",
				Status:    "completed",
				CallID:    p.ToolCallID,
				Name:      p.ToolName,
				Arguments: &args,
			})
		}
	}
	out.Output = []outputItem{}
	if len(reasoning) > 0 {
		out.Output = append(out.Output, outputItem{ID: "rs_" + resp.ID, Type: "reasoning", Summary: reasoning})
	}
	if len(content) > 0 {
		out.Output = append(out.Output, outputItem{
			ID:      "msg_" + resp.ID,
			Type:    "message",
			Status:  "completed",
			Role:    "assistant",
			Content: content,
		})
	}
	out.Output = append(out.Output, calls...)

	if resp.FinishReason == format.FinishLength || resp.FinishReason == format.FinishContentFilter {
		out.Status = "incomplete"
		out.IncompleteDetails = &incompleteDetails{Reason: incompleteReason(resp.FinishReason)}
	}
	if resp.Usage != nil {
		out.Usage = encodeUsage(*resp.Usage)
	}
	return json.Marshal(out)
}

func decodeContent(raw json.RawMessage) ([]format.Part, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return []format.Part{{Type: format.PartText, Text: r.String()}}, nil
	}
	var content []inputContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("invalid message content: %w", err)
	}
	parts := make([]format.Part, 0, len(content))
	for _, c := range content {
		switch c.Type {
		case "input_text", "output_text", "text":
			parts = append(parts, format.Part{Type: format.PartText, Text: c.Text})
		case "input_image":
			if c.ImageURL != "" {
				parts = append(parts, format.Part{Type: format.PartImage, ImageURL: c.ImageURL})
			}
		}
	}
	return parts, nil
}

func contentText(raw json.RawMessage) string {
	parts, err := decodeContent(raw)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == format.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// appendPart adds parts to the trailing message when it has the same role,
// keeping function calls with the assistant turn that made them.
func appendPart(msgs []format.Message, role string, parts ...format.Part) []format.Message {
	if len(parts) == 0 {
		return msgs
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == role {
		msgs[n-1].Parts = append(msgs[n-1].Parts, parts...)
		return msgs
	}
	return append(msgs, format.Message{Role: role, Parts: parts})
}

func finishFor(status, incompleteReason string, sawTool bool) format.FinishReason {
	if status == "incomplete" {
		if incompleteReason == "content_filter" {
			return format.FinishContentFilter
		}
		return format.FinishLength
	}
	if sawTool {
		return format.FinishToolCalls
	}
	return format.FinishStop
}

func incompleteReason(reason format.FinishReason) string {
	if reason == format.FinishContentFilter {
		return "content_filter"
	}
	return "max_output_tokens"
}

// normalizeUsage splits cached input and reasoning output out of the
// Responses totals.
func normalizeUsage(u gjson.Result) *format.Usage {
	cached := u.Get("input_tokens_details.cached_tokens").Int()
	reasoning := u.Get("output_tokens_details.reasoning_tokens").Int()
	return &format.Usage{
		InputTokens:     nonNegative(u.Get("input_tokens").Int() - cached),
		OutputTokens:    nonNegative(u.Get("output_tokens").Int() - reasoning),
		ReasoningTokens: reasoning,
		CacheReadTokens: cached,
	}
}

func encodeUsage(u format.Usage) *responseUsage {
	out := &responseUsage{
		InputTokens:         u.PromptTotal(),
		InputTokensDetails:  inputTokensDetails{CachedTokens: u.CacheReadTokens},
		OutputTokens:        u.CompletionTotal(),
		OutputTokensDetails: outputTokensDetails{ReasoningTokens: u.ReasoningTokens},
	}
	out.TotalTokens = out.InputTokens + out.OutputTokens
	return out
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
