package anthropic

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"zengateway/internal/format"
)

func TestModifyHeaders(t *testing.T) {
	a := New()

	t.Run("defaults version", func(t *testing.T) {
		h := http.Header{}
		a.ModifyHeaders(h, []byte(`{"model":"claude-haiku-4-5"}`), "sk-up")
		assert.Equal(t, "sk-up", h.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", h.Get("anthropic-version"))
		assert.Empty(t, h.Get("anthropic-beta"))
	})

	t.Run("keeps caller version and flags sonnet", func(t *testing.T) {
		h := http.Header{}
		h.Set("anthropic-version", "2024-01-01")
		a.ModifyHeaders(h, []byte(`{"model":"claude-sonnet-4-5"}`), "sk-up")
		assert.Equal(t, "2024-01-01", h.Get("anthropic-version"))
		assert.Equal(t, "context-1m-2025-08-07", h.Get("anthropic-beta"))
	})
}

func TestModifyURL(t *testing.T) {
	assert.Equal(t, "https://api.anthropic.com/v1/messages", New().ModifyURL("https://api.anthropic.com/v1/"))
}

func TestUsageParser_MergesStartAndDelta(t *testing.T) {
	p := New().NewUsageParser()
	assert.Nil(t, p.Retrieve())

	p.Parse("event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":1000,\"output_tokens\":1,\"cache_read_input_tokens\":200,\"cache_creation\":{\"ephemeral_5m_input_tokens\":30,\"ephemeral_1h_input_tokens\":40}}}}")
	p.Parse("event: ping\ndata: {\"type\":\"ping\"}")
	p.Parse("event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":500,\"input_tokens\":null}}")

	u := p.Retrieve()
	require.NotNil(t, u)
	assert.Equal(t, format.Usage{
		InputTokens:        1000,
		OutputTokens:       500,
		CacheReadTokens:    200,
		CacheWrite5mTokens: 30,
		CacheWrite1hTokens: 40,
	}, *u)
}

func TestUsageParser_LegacyCacheCreation(t *testing.T) {
	p := New().NewUsageParser()
	p.ParseBody([]byte(`{"usage":{"input_tokens":10,"output_tokens":5,"cache_creation_input_tokens":7}}`))
	u := p.Retrieve()
	require.NotNil(t, u)
	assert.Equal(t, int64(7), u.CacheWrite5mTokens)
	assert.Zero(t, u.CacheWrite1hTokens)
}

func TestEncodeRequest_DefaultsAndMerging(t *testing.T) {
	req := &format.Request{
		Model:  "claude-haiku-4-5",
		System: "be brief",
		Messages: []format.Message{
			{Role: "user", Parts: []format.Part{{Type: format.PartText, Text: "weather?"}}},
			{Role: "assistant", Parts: []format.Part{{Type: format.PartToolCall, ToolCallID: "call_1", ToolName: "weather", Arguments: `{"city":"Oslo"}`}}},
			{Role: "user", Parts: []format.Part{{Type: format.PartToolResult, ToolCallID: "call_1", Text: "sunny"}}},
			{Role: "user", Parts: []format.Part{{Type: format.PartText, Text: "thanks"}}},
		},
		ToolChoice: &format.ToolChoice{Mode: format.ToolChoiceRequired},
	}
	body, err := New().EncodeRequest(req)
	require.NoError(t, err)

	r := gjson.ParseBytes(body)
	assert.Equal(t, int64(4096), r.Get("max_tokens").Int())
	assert.Equal(t, "be brief", r.Get("system").String())
	assert.Equal(t, int64(3), r.Get("messages.#").Int())
	assert.Equal(t, "tool_use", r.Get("messages.1.content.0.type").String())
	assert.Equal(t, "Oslo", r.Get("messages.1.content.0.input.city").String())
	assert.Equal(t, "tool_result", r.Get("messages.2.content.0.type").String())
	assert.Equal(t, "thanks", r.Get("messages.2.content.1.text").String())
	assert.Equal(t, "any", r.Get("tool_choice.type").String())
}

func TestDecodeRequest_ImagesAndToolResults(t *testing.T) {
	body := `{
		"model":"claude-sonnet-4-5","max_tokens":100,
		"system":[{"type":"text","text":"a"},{"type":"text","text":"b"}],
		"messages":[
			{"role":"user","content":[
				{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}},
				{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"42"}],"is_error":true}
			]}
		]
	}`
	req, err := New().DecodeRequest([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "a\nb", req.System)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 100, *req.MaxTokens)
	require.Len(t, req.Messages, 1)
	parts := req.Messages[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "data:image/png;base64,AAAA", parts[0].ImageURL)
	assert.Equal(t, format.PartToolResult, parts[1].Type)
	assert.Equal(t, "42", parts[1].Text)
	assert.True(t, parts[1].IsError)
}

func TestStreamEncoder_FullSequence(t *testing.T) {
	enc := New().NewStreamEncoder()
	var events []string
	for _, c := range []format.Chunk{
		{Kind: format.ChunkStart, ID: "chatcmpl-1", Model: "gpt-x"},
		{Kind: format.ChunkText, Text: "Hel"},
		{Kind: format.ChunkText, Text: "lo"},
		{Kind: format.ChunkToolStart, Index: 0, ToolCallID: "call_1", ToolName: "f"},
		{Kind: format.ChunkToolDelta, Index: 0, Arguments: `{"a":1}`},
		{Kind: format.ChunkFinish, FinishReason: format.FinishToolCalls},
		{Kind: format.ChunkUsage, Usage: &format.Usage{InputTokens: 10, OutputTokens: 3}},
		{Kind: format.ChunkDone},
	} {
		events = append(events, enc.Encode(c)...)
	}
	assert.Empty(t, enc.Flush())

	var names []string
	for _, ev := range events {
		names = append(names, format.ParseEvent(ev).Name)
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_delta",
		"content_block_stop",
		"content_block_start", "content_block_delta",
		"content_block_stop",
		"message_delta", "message_stop",
	}, names)

	delta := gjson.Parse(format.ParseEvent(events[len(events)-2]).Data)
	assert.Equal(t, "tool_use", delta.Get("delta.stop_reason").String())
	assert.Equal(t, int64(3), delta.Get("usage.output_tokens").Int())
	assert.Equal(t, int64(10), delta.Get("usage.input_tokens").Int())
	assert.True(t, strings.Contains(events[5], `"input":{}`))
}

func TestStreamDecoder_ToolUse(t *testing.T) {
	dec := New().NewStreamDecoder()
	var chunks []format.Chunk
	for _, ev := range []string{
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude\",\"usage\":{\"input_tokens\":5,\"output_tokens\":1}}}",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":1,\"content_block\":{\"type\":\"tool_use\",\"id\":\"tu_1\",\"name\":\"f\",\"input\":{}}}",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{}\"}}",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"tool_use\"},\"usage\":{\"output_tokens\":9}}",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}",
	} {
		chunks = append(chunks, dec.Decode(ev)...)
	}

	kinds := make([]format.ChunkKind, 0, len(chunks))
	for _, c := range chunks {
		kinds = append(kinds, c.Kind)
	}
	assert.Equal(t, []format.ChunkKind{
		format.ChunkStart, format.ChunkText, format.ChunkToolStart, format.ChunkToolDelta,
		format.ChunkFinish, format.ChunkUsage, format.ChunkDone,
	}, kinds)
	assert.Equal(t, "tu_1", chunks[2].ToolCallID)
	assert.Equal(t, 0, chunks[3].Index)
	assert.Equal(t, format.FinishToolCalls, chunks[4].FinishReason)
	assert.Equal(t, int64(5), chunks[5].Usage.InputTokens)
	assert.Equal(t, int64(9), chunks[5].Usage.OutputTokens)
}
