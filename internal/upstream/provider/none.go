package provider

import (
	"bytes"
	"context"
	"net/http"
	"net/url"

	"github.com/agentwire/gateway/internal/exchange"
)

// noneDialect forwards traffic verbatim. It serves tool servers and plain
// HTTP backends where the gateway must not reshape anything. JSON-RPC
// exchanges always go out as POSTs.
type noneDialect struct{}

func init() { Register(noneDialect{}) }

func (noneDialect) Name() string     { return "none" }
func (noneDialect) Translates() bool { return false }

func (noneDialect) Shape(ctx context.Context, req *exchange.Request) (*http.Request, error) {
	method := req.Method
	path := req.Path
	if req.Protocol != exchange.ProtoHTTP {
		method = http.MethodPost
	}
	if method == "" {
		method = http.MethodPost
	}
	if path == "" {
		path = "/"
	}
	u := url.URL{Path: path, RawQuery: req.Query.Encode()}

	out, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(bodyBytes(req)))
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			out.Header.Add(k, v)
		}
	}
	if req.Protocol != exchange.ProtoHTTP {
		out.Header.Set("Content-Type", "application/json")
	}
	return out, nil
}

func (noneDialect) ParseResponse(status int, body []byte) (*exchange.Response, error) {
	resp := exchange.NewResponse(status)
	resp.Body = exchange.Buffered(body)
	return resp, nil
}

func (noneDialect) ParseStreamEvent(event string, data []byte) (*exchange.Chunk, bool, error) {
	ch := &exchange.Chunk{Data: data}
	if event != "" {
		ch.Meta = map[string]string{"event": event}
	}
	return ch, false, nil
}
