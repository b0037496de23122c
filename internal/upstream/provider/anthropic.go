package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentwire/gateway/internal/exchange"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 1024
)

// anthropicDialect translates the unified shape to the Anthropic Messages
// API. System messages move to the top-level system field, tool schemas
// are renamed, and streamed deltas come back as chat-completion chunks.
type anthropicDialect struct{}

func init() { Register(anthropicDialect{}) }

func (anthropicDialect) Name() string     { return "anthropic" }
func (anthropicDialect) Translates() bool { return true }

func (anthropicDialect) Shape(ctx context.Context, req *exchange.Request) (*http.Request, error) {
	in := bodyBytes(req)
	out := []byte(`{}`)

	if model := gjson.GetBytes(in, "model"); model.Exists() {
		out = setJSON(out, "model", model.String())
	}

	maxTokens := gjson.GetBytes(in, "max_tokens").Int()
	if maxTokens <= 0 {
		maxTokens = gjson.GetBytes(in, "max_completion_tokens").Int()
	}
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	out = setJSON(out, "max_tokens", maxTokens)

	var system []string
	for _, msg := range gjson.GetBytes(in, "messages").Array() {
		switch msg.Get("role").String() {
		case "system", "developer":
			system = append(system, msg.Get("content").String())
		default:
			out = setRawJSON(out, "messages.-1", anthropicMessage(msg))
		}
	}
	if len(system) > 0 {
		out = setJSON(out, "system", strings.Join(system, "\n\n"))
	}

	if t := gjson.GetBytes(in, "temperature"); t.Exists() {
		out = setJSON(out, "temperature", t.Float())
	}
	if p := gjson.GetBytes(in, "top_p"); p.Exists() {
		out = setJSON(out, "top_p", p.Float())
	}
	if stop := gjson.GetBytes(in, "stop"); stop.Exists() {
		if stop.IsArray() {
			out = setRawJSON(out, "stop_sequences", []byte(stop.Raw))
		} else {
			out = setJSON(out, "stop_sequences", []string{stop.String()})
		}
	}

	for _, tool := range gjson.GetBytes(in, "tools").Array() {
		fn := tool.Get("function")
		if !fn.Exists() {
			continue
		}
		t := setJSON([]byte(`{}`), "name", fn.Get("name").String())
		if d := fn.Get("description"); d.Exists() {
			t = setJSON(t, "description", d.String())
		}
		if p := fn.Get("parameters"); p.Exists() {
			t = setRawJSON(t, "input_schema", []byte(p.Raw))
		}
		out = setRawJSON(out, "tools.-1", t)
	}

	stream := gjson.GetBytes(in, "stream").Bool()
	if stream {
		out = setJSON(out, "stream", true)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewReader(out))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Anthropic-Version", anthropicVersion)
	if stream {
		hreq.Header.Set("Accept", "text/event-stream")
	}
	return hreq, nil
}

// anthropicMessage converts one chat message. Assistant tool calls become
// tool_use content blocks; tool results become tool_result blocks on a
// user message.
func anthropicMessage(msg gjson.Result) []byte {
	role := msg.Get("role").String()
	content := msg.Get("content")

	if role == "tool" {
		block := setJSON([]byte(`{"type":"tool_result"}`), "tool_use_id", msg.Get("tool_call_id").String())
		block = setJSON(block, "content", content.String())
		m := setJSON([]byte(`{}`), "role", "user")
		return setRawJSON(m, "content.-1", block)
	}

	m := setJSON([]byte(`{}`), "role", role)
	calls := msg.Get("tool_calls")
	if role == "assistant" && calls.IsArray() {
		if text := content.String(); text != "" {
			block := setJSON([]byte(`{"type":"text"}`), "text", text)
			m = setRawJSON(m, "content.-1", block)
		}
		for _, call := range calls.Array() {
			block := setJSON([]byte(`{"type":"tool_use"}`), "id", call.Get("id").String())
			block = setJSON(block, "name", call.Get("function.name").String())
			args := call.Get("function.arguments").String()
			if args == "" {
				args = "{}"
			}
			block = setRawJSON(block, "input", []byte(args))
			m = setRawJSON(m, "content.-1", block)
		}
		return m
	}

	if content.Exists() {
		m = setRawJSON(m, "content", []byte(content.Raw))
	}
	return m
}

func (anthropicDialect) ParseResponse(status int, body []byte) (*exchange.Response, error) {
	resp := exchange.NewResponse(status)
	resp.Header.Set("Content-Type", "application/json")

	if status >= 400 {
		out := setJSON([]byte(`{"error":{}}`), "error.message", gjson.GetBytes(body, "error.message").String())
		out = setJSON(out, "error.type", gjson.GetBytes(body, "error.type").String())
		resp.Body = exchange.Buffered(out)
		return resp, nil
	}

	out := []byte(`{"object":"chat.completion"}`)
	out = setJSON(out, "id", gjson.GetBytes(body, "id").String())
	out = setJSON(out, "created", time.Now().Unix())
	out = setJSON(out, "model", gjson.GetBytes(body, "model").String())

	choice := setJSON([]byte(`{"index":0}`), "message.role", "assistant")
	var text strings.Builder
	for _, block := range gjson.GetBytes(body, "content").Array() {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			call := setJSON([]byte(`{"type":"function"}`), "id", block.Get("id").String())
			call = setJSON(call, "function.name", block.Get("name").String())
			call = setJSON(call, "function.arguments", block.Get("input").Raw)
			choice = setRawJSON(choice, "message.tool_calls.-1", call)
		}
	}
	choice = setJSON(choice, "message.content", text.String())
	choice = setJSON(choice, "finish_reason", anthropicFinish(gjson.GetBytes(body, "stop_reason").String()))
	out = setRawJSON(out, "choices.-1", choice)

	prompt := gjson.GetBytes(body, "usage.input_tokens").Int()
	completion := gjson.GetBytes(body, "usage.output_tokens").Int()
	out = setJSON(out, "usage.prompt_tokens", prompt)
	out = setJSON(out, "usage.completion_tokens", completion)
	out = setJSON(out, "usage.total_tokens", prompt+completion)

	resp.Body = exchange.Buffered(out)
	return resp, nil
}

func (anthropicDialect) ParseStreamEvent(event string, data []byte) (*exchange.Chunk, bool, error) {
	switch event {
	case "message_start":
		chunk := chatChunk()
		chunk = setJSON(chunk, "choices.0.delta.role", "assistant")
		if prompt := gjson.GetBytes(data, "message.usage.input_tokens"); prompt.Exists() {
			chunk = setJSON(chunk, "usage.prompt_tokens", prompt.Int())
		}
		return &exchange.Chunk{Data: chunk}, false, nil

	case "content_block_start":
		block := gjson.GetBytes(data, "content_block")
		if block.Get("type").String() != "tool_use" {
			return nil, false, nil
		}
		call := setJSON([]byte(`{"type":"function"}`), "index", gjson.GetBytes(data, "index").Int())
		call = setJSON(call, "id", block.Get("id").String())
		call = setJSON(call, "function.name", block.Get("name").String())
		call = setJSON(call, "function.arguments", "")
		chunk := setRawJSON(chatChunk(), "choices.0.delta.tool_calls.-1", call)
		return &exchange.Chunk{Data: chunk}, false, nil

	case "content_block_delta":
		delta := gjson.GetBytes(data, "delta")
		switch delta.Get("type").String() {
		case "text_delta":
			chunk := setJSON(chatChunk(), "choices.0.delta.content", delta.Get("text").String())
			return &exchange.Chunk{Data: chunk}, false, nil
		case "input_json_delta":
			call := setJSON([]byte(`{}`), "index", gjson.GetBytes(data, "index").Int())
			call = setJSON(call, "function.arguments", delta.Get("partial_json").String())
			chunk := setRawJSON(chatChunk(), "choices.0.delta.tool_calls.-1", call)
			return &exchange.Chunk{Data: chunk}, false, nil
		}
		return nil, false, nil

	case "message_delta":
		chunk := chatChunk()
		if reason := gjson.GetBytes(data, "delta.stop_reason"); reason.Exists() {
			chunk = setJSON(chunk, "choices.0.finish_reason", anthropicFinish(reason.String()))
		}
		if out := gjson.GetBytes(data, "usage.output_tokens"); out.Exists() {
			chunk = setJSON(chunk, "usage.completion_tokens", out.Int())
		}
		return &exchange.Chunk{Data: chunk}, false, nil

	case "message_stop":
		return nil, true, nil

	case "error":
		return nil, false, fmt.Errorf("anthropic stream error: %s", gjson.GetBytes(data, "error.message").String())
	}
	return nil, false, nil
}

// chatChunk is the skeleton of one chat-completion stream chunk.
func chatChunk() []byte {
	return []byte(`{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{}}]}`)
}

func anthropicFinish(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	}
	return "stop"
}
