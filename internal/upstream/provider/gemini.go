package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/agentwire/gateway/internal/exchange"
)

// geminiDialect translates the unified shape to the Gemini generateContent
// API. The model rides in the path, messages become contents with
// user/model roles, and sampling knobs move under generationConfig.
type geminiDialect struct{}

func init() { Register(geminiDialect{}) }

func (geminiDialect) Name() string     { return "gemini" }
func (geminiDialect) Translates() bool { return true }

func (geminiDialect) Shape(ctx context.Context, req *exchange.Request) (*http.Request, error) {
	in := bodyBytes(req)

	model := gjson.GetBytes(in, "model").String()
	if model == "" {
		return nil, fmt.Errorf("gemini requires a model")
	}
	stream := gjson.GetBytes(in, "stream").Bool()

	out := []byte(`{}`)
	var system []string
	for _, msg := range gjson.GetBytes(in, "messages").Array() {
		switch msg.Get("role").String() {
		case "system", "developer":
			system = append(system, msg.Get("content").String())
		default:
			out = setRawJSON(out, "contents.-1", geminiContent(msg))
		}
	}
	if len(system) > 0 {
		part := setJSON([]byte(`{}`), "text", strings.Join(system, "\n\n"))
		out = setRawJSON(out, "systemInstruction.parts.-1", part)
	}

	if t := gjson.GetBytes(in, "max_tokens"); t.Exists() {
		out = setJSON(out, "generationConfig.maxOutputTokens", t.Int())
	}
	if t := gjson.GetBytes(in, "temperature"); t.Exists() {
		out = setJSON(out, "generationConfig.temperature", t.Float())
	}
	if p := gjson.GetBytes(in, "top_p"); p.Exists() {
		out = setJSON(out, "generationConfig.topP", p.Float())
	}
	if stop := gjson.GetBytes(in, "stop"); stop.Exists() {
		if stop.IsArray() {
			out = setRawJSON(out, "generationConfig.stopSequences", []byte(stop.Raw))
		} else {
			out = setJSON(out, "generationConfig.stopSequences", []string{stop.String()})
		}
	}

	decls := []byte(`{}`)
	declared := 0
	for _, tool := range gjson.GetBytes(in, "tools").Array() {
		fn := tool.Get("function")
		if !fn.Exists() {
			continue
		}
		d := setJSON([]byte(`{}`), "name", fn.Get("name").String())
		if desc := fn.Get("description"); desc.Exists() {
			d = setJSON(d, "description", desc.String())
		}
		if p := fn.Get("parameters"); p.Exists() {
			d = setRawJSON(d, "parameters", []byte(p.Raw))
		}
		decls = setRawJSON(decls, "functionDeclarations.-1", d)
		declared++
	}
	if declared > 0 {
		out = setRawJSON(out, "tools.-1", decls)
	}

	verb := "generateContent"
	query := ""
	if stream {
		verb = "streamGenerateContent"
		query = "alt=sse"
	}
	u := url.URL{Path: "/v1beta/models/" + model + ":" + verb, RawQuery: query}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(out))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if stream {
		hreq.Header.Set("Accept", "text/event-stream")
	}
	return hreq, nil
}

// geminiContent converts one chat message to a gemini content entry.
func geminiContent(msg gjson.Result) []byte {
	role := msg.Get("role").String()
	content := msg.Get("content")

	if role == "tool" {
		name := msg.Get("name").String()
		if name == "" {
			name = msg.Get("tool_call_id").String()
		}
		part := setJSON([]byte(`{}`), "functionResponse.name", name)
		part = setRawJSON(part, "functionResponse.response", geminiResponsePayload(content))
		m := setJSON([]byte(`{}`), "role", "user")
		return setRawJSON(m, "parts.-1", part)
	}

	outRole := "user"
	if role == "assistant" {
		outRole = "model"
	}
	m := setJSON([]byte(`{}`), "role", outRole)

	switch {
	case content.IsArray():
		for _, part := range content.Array() {
			if part.Get("type").String() != "text" {
				continue
			}
			m = setRawJSON(m, "parts.-1", setJSON([]byte(`{}`), "text", part.Get("text").String()))
		}
	case content.Exists() && content.String() != "":
		m = setRawJSON(m, "parts.-1", setJSON([]byte(`{}`), "text", content.String()))
	}

	for _, call := range msg.Get("tool_calls").Array() {
		part := setJSON([]byte(`{}`), "functionCall.name", call.Get("function.name").String())
		args := call.Get("function.arguments").String()
		if args == "" {
			args = "{}"
		}
		part = setRawJSON(part, "functionCall.args", []byte(args))
		m = setRawJSON(m, "parts.-1", part)
	}
	return m
}

// geminiResponsePayload wraps a tool result so it is always a JSON object,
// which the functionResponse field requires.
func geminiResponsePayload(content gjson.Result) []byte {
	raw := []byte(content.String())
	if gjson.ValidBytes(raw) && gjson.ParseBytes(raw).IsObject() {
		return raw
	}
	return setJSON([]byte(`{}`), "result", content.String())
}

func (geminiDialect) ParseResponse(status int, body []byte) (*exchange.Response, error) {
	resp := exchange.NewResponse(status)
	resp.Header.Set("Content-Type", "application/json")

	if status >= 400 {
		out := setJSON([]byte(`{"error":{}}`), "error.message", gjson.GetBytes(body, "error.message").String())
		out = setJSON(out, "error.type", gjson.GetBytes(body, "error.status").String())
		resp.Body = exchange.Buffered(out)
		return resp, nil
	}

	out := []byte(`{"object":"chat.completion"}`)
	out = setJSON(out, "model", gjson.GetBytes(body, "modelVersion").String())

	choice := setJSON([]byte(`{"index":0}`), "message.role", "assistant")
	candidate := gjson.GetBytes(body, "candidates.0")
	var text strings.Builder
	toolCalls := 0
	for _, part := range candidate.Get("content.parts").Array() {
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			call := setJSON([]byte(`{"type":"function"}`), "id", fmt.Sprintf("call_%d", toolCalls))
			call = setJSON(call, "function.name", fc.Get("name").String())
			call = setJSON(call, "function.arguments", fc.Get("args").Raw)
			choice = setRawJSON(choice, "message.tool_calls.-1", call)
			toolCalls++
		}
	}
	choice = setJSON(choice, "message.content", text.String())
	choice = setJSON(choice, "finish_reason", geminiFinish(candidate.Get("finishReason").String(), toolCalls > 0))
	out = setRawJSON(out, "choices.-1", choice)

	prompt := gjson.GetBytes(body, "usageMetadata.promptTokenCount").Int()
	completion := gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int()
	out = setJSON(out, "usage.prompt_tokens", prompt)
	out = setJSON(out, "usage.completion_tokens", completion)
	out = setJSON(out, "usage.total_tokens", prompt+completion)

	resp.Body = exchange.Buffered(out)
	return resp, nil
}

func (geminiDialect) ParseStreamEvent(event string, data []byte) (*exchange.Chunk, bool, error) {
	if err := gjson.GetBytes(data, "error"); err.Exists() {
		return nil, false, fmt.Errorf("gemini stream error: %s", err.Get("message").String())
	}

	candidate := gjson.GetBytes(data, "candidates.0")
	chunk := chatChunk()
	carries := false
	var text strings.Builder
	for _, part := range candidate.Get("content.parts").Array() {
		text.WriteString(part.Get("text").String())
	}
	if text.Len() > 0 {
		chunk = setJSON(chunk, "choices.0.delta.content", text.String())
		carries = true
	}

	done := false
	if reason := candidate.Get("finishReason"); reason.Exists() {
		chunk = setJSON(chunk, "choices.0.finish_reason", geminiFinish(reason.String(), false))
		done = true
	}
	if usage := gjson.GetBytes(data, "usageMetadata"); usage.Exists() {
		chunk = setJSON(chunk, "usage.prompt_tokens", usage.Get("promptTokenCount").Int())
		chunk = setJSON(chunk, "usage.completion_tokens", usage.Get("candidatesTokenCount").Int())
		carries = true
	}
	if !carries && !done {
		return nil, false, nil
	}
	return &exchange.Chunk{Data: chunk}, done, nil
}

func geminiFinish(reason string, toolCalls bool) string {
	if toolCalls {
		return "tool_calls"
	}
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	}
	return "stop"
}
