// Package format defines the canonical request, response and stream-chunk
// shapes that every wire format converts through, and the Adapter strategy
// each wire format implements.
//
// A conversion from caller format C to provider format P is always
// C.Decode -> canonical -> P.Encode, so adding a wire format means adding one
// Adapter and one registry entry.
package format

import (
	"encoding/json"
	"net/http"
)

// Name tags a wire format.
type Name string

const (
	// Anthropic is the Messages API.
	Anthropic Name = "anthropic"
	// OpenAI is the Responses API.
	OpenAI Name = "openai"
	// OpenAICompatible is the Chat Completions API spoken by most providers.
	OpenAICompatible Name = "oa-compat"
)

// Usage is the normalized token accounting for one call.
//
// InputTokens excludes cache reads and cache writes; OutputTokens excludes
// reasoning tokens. Each category is billed at its own rate.
type Usage struct {
	InputTokens        int64
	OutputTokens       int64
	ReasoningTokens    int64
	CacheReadTokens    int64
	CacheWrite5mTokens int64
	CacheWrite1hTokens int64
}

// PromptTotal is every input-side token, cached or not.
func (u Usage) PromptTotal() int64 {
	return u.InputTokens + u.CacheReadTokens + u.CacheWrite5mTokens + u.CacheWrite1hTokens
}

// CompletionTotal is every output-side token including reasoning.
func (u Usage) CompletionTotal() int64 {
	return u.OutputTokens + u.ReasoningTokens
}

// PartType discriminates message parts.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartReasoning  PartType = "reasoning"
)

// Part is one piece of message content.
type Part struct {
	Type PartType
	// Text holds text, reasoning text, or a tool result's content.
	Text string
	// ImageURL is an http(s) URL or a data: URL.
	ImageURL   string
	ToolCallID string
	ToolName   string
	// Arguments is the tool call's JSON-encoded input.
	Arguments string
	IsError   bool
}

// Message is one conversation turn. Roles are "user" and "assistant";
// tool results travel as PartToolResult inside user messages.
type Message struct {
	Role  string
	Parts []Part
}

// Tool is a callable function offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolChoice modes.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceTool     = "tool"
)

// ToolChoice constrains tool use. Name is set only for ToolChoiceTool.
type ToolChoice struct {
	Mode string
	Name string
}

// Request is the canonical request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
	Stop        []string
	Stream      bool
	Tools       []Tool
	ToolChoice  *ToolChoice
}

// FinishReason is why generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// Response is the canonical non-streaming response.
type Response struct {
	ID           string
	Model        string
	Parts        []Part
	FinishReason FinishReason
	Usage        *Usage
}

// ChunkKind discriminates stream chunks.
type ChunkKind int

const (
	ChunkStart ChunkKind = iota
	ChunkText
	ChunkReasoning
	ChunkToolStart
	ChunkToolDelta
	ChunkFinish
	ChunkUsage
	ChunkDone
)

// Chunk is one canonical stream increment. Index is the tool call's ordinal
// within the response for ChunkToolStart and ChunkToolDelta.
type Chunk struct {
	Kind         ChunkKind
	ID           string
	Model        string
	Index        int
	Text         string
	ToolCallID   string
	ToolName     string
	Arguments    string
	FinishReason FinishReason
	Usage        *Usage
}

// StreamDecoder turns one provider SSE event into canonical chunks. It keeps
// state across events of a single stream.
type StreamDecoder interface {
	Decode(event string) []Chunk
}

// StreamEncoder turns canonical chunks into caller SSE events, without the
// trailing blank line. Flush emits whatever closing events the protocol
// still owes once the upstream has ended.
type StreamEncoder interface {
	Encode(chunk Chunk) []string
	Flush() []string
}

// UsageParser accumulates token usage over one call. Parse sees every
// trimmed SSE event; ParseBody sees a full non-streaming body. Retrieve
// returns nil when no usage was ever reported.
type UsageParser interface {
	Parse(event string)
	ParseBody(body []byte)
	Retrieve() *Usage
}

// Adapter is the per-wire-format strategy.
type Adapter interface {
	Name() Name

	DecodeRequest(body []byte) (*Request, error)
	EncodeRequest(req *Request) ([]byte, error)
	DecodeResponse(body []byte) (*Response, error)
	EncodeResponse(resp *Response) ([]byte, error)

	NewStreamDecoder() StreamDecoder
	NewStreamEncoder() StreamEncoder
	NewUsageParser() UsageParser

	// ModifyURL appends the format's endpoint path to a provider base URL.
	ModifyURL(base string) string
	// ModifyBody applies format-specific tweaks to the final upstream body.
	ModifyBody(body []byte) ([]byte, error)
	// ModifyHeaders sets credentials and protocol headers on the outbound
	// request. body is the final upstream body.
	ModifyHeaders(h http.Header, body []byte, apiKey string)
}
