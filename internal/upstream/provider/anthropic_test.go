package provider

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/agentwire/gateway/internal/exchange"
)

func TestAnthropicShape(t *testing.T) {
	d := mustLookup(t, "anthropic")
	body := `{
		"model": "claude-sonnet-4",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi"}
		],
		"temperature": 0.2,
		"stop": "END",
		"stream": true
	}`

	hreq, err := d.Shape(context.Background(), chatRequest(body))
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	if hreq.URL.Path != "/v1/messages" {
		t.Errorf("path = %s, want /v1/messages", hreq.URL.Path)
	}
	if got := hreq.Header.Get("Anthropic-Version"); got != anthropicVersion {
		t.Errorf("Anthropic-Version = %q, want %q", got, anthropicVersion)
	}

	out := shapedBody(t, hreq)
	if got := gjson.GetBytes(out, "system").String(); got != "be brief" {
		t.Errorf("system = %q, want system message hoisted", got)
	}
	msgs := gjson.GetBytes(out, "messages").Array()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d entries, want 2 (system removed)", len(msgs))
	}
	if msgs[0].Get("role").String() != "user" || msgs[1].Get("role").String() != "assistant" {
		t.Errorf("message roles = %s/%s", msgs[0].Get("role"), msgs[1].Get("role"))
	}
	if got := gjson.GetBytes(out, "max_tokens").Int(); got != anthropicMaxTokens {
		t.Errorf("max_tokens = %d, want default %d", got, anthropicMaxTokens)
	}
	if got := gjson.GetBytes(out, "stop_sequences.0").String(); got != "END" {
		t.Errorf("stop_sequences = %s", gjson.GetBytes(out, "stop_sequences").Raw)
	}
	if !gjson.GetBytes(out, "stream").Bool() {
		t.Error("stream flag dropped")
	}
	if gjson.GetBytes(out, "stop").Exists() {
		t.Error("openai stop field leaked through")
	}
}

func TestAnthropicShapeTools(t *testing.T) {
	d := mustLookup(t, "anthropic")
	body := `{
		"model": "claude-sonnet-4",
		"messages": [
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "search", "arguments": "{\"q\":\"go\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "found it"}
		],
		"tools": [
			{"type": "function", "function": {"name": "search", "description": "find things", "parameters": {"type": "object"}}}
		]
	}`

	out := shapedBody(t, mustShape(t, d, body))

	tool := gjson.GetBytes(out, "tools.0")
	if tool.Get("name").String() != "search" || !tool.Get("input_schema").Exists() {
		t.Errorf("tool not translated: %s", tool.Raw)
	}
	if tool.Get("parameters").Exists() {
		t.Error("openai parameters field leaked through")
	}

	use := gjson.GetBytes(out, "messages.0.content.0")
	if use.Get("type").String() != "tool_use" || use.Get("input.q").String() != "go" {
		t.Errorf("tool_use block = %s", use.Raw)
	}
	result := gjson.GetBytes(out, "messages.1")
	if result.Get("role").String() != "user" {
		t.Errorf("tool result role = %s, want user", result.Get("role"))
	}
	block := result.Get("content.0")
	if block.Get("type").String() != "tool_result" || block.Get("tool_use_id").String() != "call_1" {
		t.Errorf("tool_result block = %s", block.Raw)
	}
}

func mustShape(t *testing.T, d Dialect, body string) *http.Request {
	t.Helper()
	hreq, err := d.Shape(context.Background(), chatRequest(body))
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	return hreq
}

func TestAnthropicParseResponse(t *testing.T) {
	d := mustLookup(t, "anthropic")
	body := `{
		"id": "msg_01",
		"model": "claude-sonnet-4",
		"content": [
			{"type": "text", "text": "the answer"},
			{"type": "tool_use", "id": "tu_1", "name": "search", "input": {"q": "go"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`

	resp, err := d.ParseResponse(http.StatusOK, []byte(body))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	out := resp.Body.(*exchange.BufferedBody).Bytes()

	if got := gjson.GetBytes(out, "object").String(); got != "chat.completion" {
		t.Errorf("object = %q", got)
	}
	choice := gjson.GetBytes(out, "choices.0")
	if choice.Get("message.content").String() != "the answer" {
		t.Errorf("content = %q", choice.Get("message.content"))
	}
	if choice.Get("finish_reason").String() != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", choice.Get("finish_reason"))
	}
	call := choice.Get("message.tool_calls.0")
	if call.Get("function.name").String() != "search" {
		t.Errorf("tool call = %s", call.Raw)
	}
	args := call.Get("function.arguments").String()
	if gjson.Get(args, "q").String() != "go" {
		t.Errorf("arguments = %q, want encoded JSON string", args)
	}
	if got := gjson.GetBytes(out, "usage.total_tokens").Int(); got != 15 {
		t.Errorf("total_tokens = %d, want 15", got)
	}
}

func TestAnthropicParseResponseError(t *testing.T) {
	d := mustLookup(t, "anthropic")
	body := `{"type":"error","error":{"type":"overloaded_error","message":"try later"}}`

	resp, err := d.ParseResponse(http.StatusTooManyRequests, []byte(body))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.Status)
	}
	out := resp.Body.(*exchange.BufferedBody).Bytes()
	if got := gjson.GetBytes(out, "error.message").String(); got != "try later" {
		t.Errorf("error.message = %q", got)
	}
	if got := gjson.GetBytes(out, "error.type").String(); got != "overloaded_error" {
		t.Errorf("error.type = %q", got)
	}
}

func TestAnthropicParseStreamEvent(t *testing.T) {
	d := mustLookup(t, "anthropic")

	tests := []struct {
		name     string
		event    string
		data     string
		wantNil  bool
		wantDone bool
		check    func(t *testing.T, data []byte)
	}{
		{
			name:  "message start carries role and prompt usage",
			event: "message_start",
			data:  `{"message":{"usage":{"input_tokens":12}}}`,
			check: func(t *testing.T, data []byte) {
				if gjson.GetBytes(data, "choices.0.delta.role").String() != "assistant" {
					t.Errorf("role delta missing: %s", data)
				}
				if gjson.GetBytes(data, "usage.prompt_tokens").Int() != 12 {
					t.Errorf("prompt usage missing: %s", data)
				}
			},
		},
		{
			name:  "text delta",
			event: "content_block_delta",
			data:  `{"index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
			check: func(t *testing.T, data []byte) {
				if gjson.GetBytes(data, "choices.0.delta.content").String() != "Hel" {
					t.Errorf("content delta = %s", data)
				}
			},
		},
		{
			name:  "tool call start",
			event: "content_block_start",
			data:  `{"index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"search"}}`,
			check: func(t *testing.T, data []byte) {
				call := gjson.GetBytes(data, "choices.0.delta.tool_calls.0")
				if call.Get("function.name").String() != "search" || call.Get("index").Int() != 1 {
					t.Errorf("tool call start = %s", data)
				}
			},
		},
		{
			name:  "finish with completion usage",
			event: "message_delta",
			data:  `{"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
			check: func(t *testing.T, data []byte) {
				if gjson.GetBytes(data, "choices.0.finish_reason").String() != "stop" {
					t.Errorf("finish_reason = %s", data)
				}
				if gjson.GetBytes(data, "usage.completion_tokens").Int() != 7 {
					t.Errorf("completion usage missing: %s", data)
				}
			},
		},
		{name: "message stop signals done", event: "message_stop", data: `{}`, wantNil: true, wantDone: true},
		{name: "ping is skipped", event: "ping", data: `{}`, wantNil: true},
		{name: "text block start is skipped", event: "content_block_start", data: `{"index":0,"content_block":{"type":"text"}}`, wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk, done, err := d.ParseStreamEvent(tt.event, []byte(tt.data))
			if err != nil {
				t.Fatalf("ParseStreamEvent: %v", err)
			}
			if done != tt.wantDone {
				t.Errorf("done = %v, want %v", done, tt.wantDone)
			}
			if (chunk == nil) != tt.wantNil {
				t.Fatalf("chunk = %v, wantNil %v", chunk, tt.wantNil)
			}
			if tt.check != nil {
				tt.check(t, chunk.Data)
			}
		})
	}
}

func TestAnthropicStreamError(t *testing.T) {
	d := mustLookup(t, "anthropic")
	_, _, err := d.ParseStreamEvent("error", []byte(`{"error":{"type":"overloaded_error","message":"slow down"}}`))
	if err == nil || !strings.Contains(err.Error(), "slow down") {
		t.Fatalf("err = %v, want provider error message", err)
	}
}
