package provider

import (
	"bytes"
	"context"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/agentwire/gateway/internal/exchange"
)

// openaiDialect forwards the unified shape as-is. Only the canonical path
// and headers are imposed.
type openaiDialect struct{}

func init() { Register(openaiDialect{}) }

func (openaiDialect) Name() string     { return "openai" }
func (openaiDialect) Translates() bool { return true }

func (openaiDialect) Shape(ctx context.Context, req *exchange.Request) (*http.Request, error) {
	body := bodyBytes(req)
	out, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	out.Header.Set("Content-Type", "application/json")
	if gjson.GetBytes(body, "stream").Bool() {
		out.Header.Set("Accept", "text/event-stream")
	}
	return out, nil
}

func (openaiDialect) ParseResponse(status int, body []byte) (*exchange.Response, error) {
	resp := exchange.NewResponse(status)
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = exchange.Buffered(body)
	return resp, nil
}

func (openaiDialect) ParseStreamEvent(event string, data []byte) (*exchange.Chunk, bool, error) {
	if string(bytes.TrimSpace(data)) == "[DONE]" {
		return nil, true, nil
	}
	return &exchange.Chunk{Data: data}, false, nil
}
