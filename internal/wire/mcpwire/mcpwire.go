// Package mcpwire adapts Model Context Protocol traffic: JSON-RPC 2.0
// envelopes carrying tool and resource operations, either newline-framed
// over a raw connection or POSTed over the streamable HTTP binding. The
// gateway relays envelopes rather than re-issuing them, so the client's
// request id correlates responses end to end.
package mcpwire

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/agentwire/gateway/internal/errors"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/wire"
)

// MCP methods the gateway recognizes. Other well-formed requests pass
// through to the backend untouched; the list exists for adapters and
// policies that special-case tool calls.
const (
	MethodInitialize    = "initialize"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
	MethodPing          = "ping"
)

const (
	bagID           = "mcp.id"
	bagNotification = "mcp.notification"
	bagTool         = "mcp.tool"
)

func init() {
	wire.Register("mcp", func() wire.Adapter { return &Adapter{} })
}

// Adapter frames MCP JSON-RPC messages over a raw connection, one message
// per line.
type Adapter struct{}

// Name returns the adapter name.
func (a *Adapter) Name() string { return "mcp" }

// Parse reads the next JSON-RPC message and maps it onto the exchange
// model.
func (a *Adapter) Parse(ctx context.Context, conn *wire.Conn) (*exchange.Request, error) {
	frame, err := wire.ReadFrame(conn.R, conn.MaxBody)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if ge, ok := errors.IsGatewayError(err); ok {
			return nil, ge
		}
		// Deadline expiry passes through raw so the session can tell an
		// idle connection from malformed input.
		var nerr net.Error
		if stderrors.As(err, &nerr) && nerr.Timeout() {
			return nil, err
		}
		return nil, errors.ErrParse.WithDetails(fmt.Sprintf("read frame: %v", err))
	}
	req, err := BuildRequest(frame)
	if err != nil {
		return nil, err
	}
	req.ClientAddr = conn.ClientAddr
	req.TLS = conn.TLS
	return req, nil
}

// WriteResponse writes the response envelopes back onto the connection.
// Responses to notifications are suppressed. A streamed body relays each
// chunk as its own frame; a stream ending in error or truncation emits a
// terminal error envelope so the client never has to infer failure from
// silence.
func (a *Adapter) WriteResponse(ctx context.Context, conn *wire.Conn, req *exchange.Request, resp *exchange.Response) error {
	if IsNotification(req) {
		exchange.Drain(resp.Body)
		return nil
	}
	id := RequestID(req)

	stream, ok := resp.Body.(*exchange.StreamBody)
	if !ok {
		var data []byte
		if b, bok := resp.Body.(*exchange.BufferedBody); bok {
			data = b.Bytes()
		}
		return writeFrame(conn, ensureEnvelope(id, data))
	}

	for chunk := range stream.Chunks() {
		if len(chunk.Data) == 0 {
			continue
		}
		if err := writeFrame(conn, chunk.Data); err != nil {
			exchange.Drain(stream)
			return err
		}
	}
	if end := stream.End(); end.Err != nil || end.Truncated {
		gerr := errors.ErrBadGateway.WithDetails("stream ended early")
		if end.Err != nil {
			gerr = errors.ErrBadGateway.WithDetails(end.Err.Error())
		}
		return writeFrame(conn, wire.ErrorEnvelope(id, gerr))
	}
	return nil
}

// WriteError writes a JSON-RPC error envelope. Failed notifications stay
// silent per JSON-RPC semantics.
func (a *Adapter) WriteError(ctx context.Context, conn *wire.Conn, req *exchange.Request, gerr *errors.GatewayError) error {
	if IsNotification(req) {
		return nil
	}
	return writeFrame(conn, wire.ErrorEnvelope(RequestID(req), gerr))
}

func writeFrame(conn *wire.Conn, data []byte) error {
	return conn.WriteFrame(append(data, '\n'))
}

// BuildRequest maps one JSON-RPC message onto the exchange model. The
// exchange body is the whole envelope so the upstream relay stays
// byte-transparent; the method, id and tool name are lifted out for
// routing and policy.
func BuildRequest(data []byte) (*exchange.Request, error) {
	env, err := wire.ParseEnvelope(data)
	if err != nil {
		return nil, errors.FromError(err)
	}
	req := exchange.New(exchange.ProtoMCP)
	req.Method = env.Method
	req.Header.Set("Content-Type", "application/json")
	req.Body = exchange.Buffered(data)
	req.SetBag(bagID, env.ID)
	if env.IsNotification() {
		req.SetBag(bagNotification, true)
	}
	if env.Method == MethodToolsCall {
		name := gjson.GetBytes(env.Params, "name").String()
		if name == "" {
			return nil, errors.New(http.StatusUnprocessableEntity, errors.KindParse, "Invalid Tool Arguments").
				WithDetails("tools/call requires params.name")
		}
		req.SetBag(bagTool, name)
	}
	return req, nil
}

// Upgrade rebinds an HTTP exchange to the MCP protocol using its body as
// the JSON-RPC envelope. The HTTP path, host and headers survive so routes
// and policies keep their HTTP context. Used by HTTP listeners serving the
// streamable binding.
func Upgrade(req *exchange.Request) error {
	body, bok := req.Body.(*exchange.BufferedBody)
	if !bok || body.Len() == 0 {
		return errors.ErrParse.WithDetails("empty MCP request body")
	}
	parsed, err := BuildRequest(body.Bytes())
	if err != nil {
		return err
	}
	req.Protocol = exchange.ProtoMCP
	req.Method = parsed.Method
	req.SetBag(bagID, RequestID(parsed))
	if IsNotification(parsed) {
		req.SetBag(bagNotification, true)
	}
	if tool := ToolName(parsed); tool != "" {
		req.SetBag(bagTool, tool)
	}
	return nil
}

// ShapeResponse adapts a pipeline response for the streamable HTTP
// binding: buffered results become a JSON envelope body, streams become
// server-sent events, and answered notifications collapse to 202.
func ShapeResponse(req *exchange.Request, resp *exchange.Response) *exchange.Response {
	if IsNotification(req) {
		exchange.Drain(resp.Body)
		out := exchange.NewResponse(http.StatusAccepted)
		return out
	}
	if stream, ok := resp.Body.(*exchange.StreamBody); ok {
		out := exchange.NewResponse(http.StatusOK)
		out.Header = resp.Header
		out.Header.Set("Content-Type", "text/event-stream")
		out.Header.Set("Cache-Control", "no-cache")
		out.Body = stream
		return out
	}
	var data []byte
	if b, ok := resp.Body.(*exchange.BufferedBody); ok {
		data = b.Bytes()
	}
	out := exchange.NewResponse(resp.Status)
	out.Header = resp.Header
	out.Header.Set("Content-Type", "application/json")
	out.Body = exchange.Buffered(ensureEnvelope(RequestID(req), data))
	return out
}

// ShapeError renders a gateway error for the streamable HTTP binding: the
// JSON-RPC error envelope as body, with the taxonomy status on the HTTP
// layer so plain HTTP clients and middleboxes still see the failure class.
func ShapeError(req *exchange.Request, gerr *errors.GatewayError) *exchange.Response {
	if IsNotification(req) {
		return exchange.NewResponse(http.StatusAccepted)
	}
	resp := exchange.NewResponse(gerr.Code)
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = exchange.Buffered(wire.ErrorEnvelope(RequestID(req), gerr))
	return resp
}

// RequestID returns the JSON-RPC id of the exchange, nil for notifications
// or non-MCP exchanges.
func RequestID(req *exchange.Request) json.RawMessage {
	if req == nil {
		return nil
	}
	if v, ok := req.Bag(bagID); ok {
		if id, ok := v.(json.RawMessage); ok {
			return id
		}
	}
	return nil
}

// IsNotification reports whether the exchange carries a JSON-RPC
// notification.
func IsNotification(req *exchange.Request) bool {
	if req == nil {
		return false
	}
	v, ok := req.Bag(bagNotification)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// ToolName returns the tool a tools/call exchange targets, or "".
func ToolName(req *exchange.Request) string {
	if req == nil {
		return ""
	}
	return req.BagString(bagTool)
}

// ToolArgs extracts the raw arguments object of a tools/call envelope.
func ToolArgs(body []byte) json.RawMessage {
	args := gjson.GetBytes(body, "params.arguments")
	if !args.Exists() {
		return nil
	}
	return json.RawMessage(args.Raw)
}

// ensureEnvelope passes through data that already is a JSON-RPC envelope
// and wraps anything else as the result for id. Backends behind dialect
// translation answer in plain JSON; their payload still reaches the MCP
// client as a well-formed response.
func ensureEnvelope(id, data []byte) []byte {
	if len(data) > 0 && gjson.GetBytes(data, "jsonrpc").Exists() {
		return data
	}
	if len(data) == 0 {
		data = []byte("null")
	}
	return wire.ResultEnvelope(id, data)
}
