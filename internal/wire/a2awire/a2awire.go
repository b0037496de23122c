// Package a2awire adapts Agent-to-Agent traffic: JSON-RPC 2.0 envelopes
// carrying task and message operations between agents. Like the MCP
// adapter it relays envelopes byte for byte; message/stream and
// tasks/resubscribe mark the exchange as streaming so the relay delivers
// task status and artifact events as they arrive.
package a2awire

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

// A2A methods the gateway recognizes. Unknown well-formed methods pass
// through to the backend agent.
const (
	MethodMessageSend      = "message/send"
	MethodMessageStream    = "message/stream"
	MethodTasksGet         = "tasks/get"
	MethodTasksCancel      = "tasks/cancel"
	MethodTasksResubscribe = "tasks/resubscribe"
	MethodAgentCard        = "agent/authenticatedExtendedCard"
)

const (
	bagID           = "a2a.id"
	bagNotification = "a2a.notification"
	bagStream       = "a2a.stream"
	bagTask         = "a2a.task"
)

func init() {
	wire.Register("a2a", func() wire.Adapter { return &Adapter{} })
}

// Adapter frames A2A JSON-RPC messages over a raw connection, one message
// per line.
type Adapter struct{}

// Name returns the adapter name.
func (a *Adapter) Name() string { return "a2a" }

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
// A streamed body relays each task event as its own frame; a stream ending
// in error or truncation emits a terminal error envelope.
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
// exchange body is the whole envelope; method, id, task id and streaming
// intent are lifted out for routing and relay.
func BuildRequest(data []byte) (*exchange.Request, error) {
	env, err := wire.ParseEnvelope(data)
	if err != nil {
		return nil, errors.FromError(err)
	}
	req := exchange.New(exchange.ProtoA2A)
	req.Method = env.Method
	req.Header.Set("Content-Type", "application/json")
	req.Body = exchange.Buffered(data)
	req.SetBag(bagID, env.ID)
	if env.IsNotification() {
		req.SetBag(bagNotification, true)
	}

	switch env.Method {
	case MethodMessageSend, MethodMessageStream:
		if !gjson.GetBytes(env.Params, "message").Exists() {
			return nil, errors.New(http.StatusUnprocessableEntity, errors.KindParse, "Invalid Agent Message").
				WithDetails(env.Method + " requires params.message")
		}
	case MethodTasksGet, MethodTasksCancel, MethodTasksResubscribe:
		taskID := gjson.GetBytes(env.Params, "id").String()
		if taskID == "" {
			return nil, errors.New(http.StatusUnprocessableEntity, errors.KindParse, "Invalid Task Reference").
				WithDetails(env.Method + " requires params.id")
		}
		req.SetBag(bagTask, taskID)
	}

	if env.Method == MethodMessageStream || env.Method == MethodTasksResubscribe {
		req.SetBag(bagStream, true)
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// Upgrade rebinds an HTTP exchange to the A2A protocol using its body as
// the JSON-RPC envelope. The HTTP path, host and headers survive so routes
// and policies keep their HTTP context.
func Upgrade(req *exchange.Request) error {
	body, bok := req.Body.(*exchange.BufferedBody)
	if !bok || body.Len() == 0 {
		return errors.ErrParse.WithDetails("empty A2A request body")
	}
	parsed, err := BuildRequest(body.Bytes())
	if err != nil {
		return err
	}
	req.Protocol = exchange.ProtoA2A
	req.Method = parsed.Method
	req.SetBag(bagID, RequestID(parsed))
	if IsNotification(parsed) {
		req.SetBag(bagNotification, true)
	}
	if WantsStream(parsed) {
		req.SetBag(bagStream, true)
		req.Header.Set("Accept", "text/event-stream")
	}
	if task := TaskID(parsed); task != "" {
		req.SetBag(bagTask, task)
	}
	return nil
}

// ShapeResponse adapts a pipeline response for the HTTP binding: buffered
// results become a JSON envelope body, streams become server-sent events.
func ShapeResponse(req *exchange.Request, resp *exchange.Response) *exchange.Response {
	if IsNotification(req) {
		exchange.Drain(resp.Body)
		return exchange.NewResponse(http.StatusAccepted)
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

// ShapeError renders a gateway error for the HTTP binding.
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
// or non-A2A exchanges.
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

// WantsStream reports whether the exchange asked for a streamed response.
func WantsStream(req *exchange.Request) bool {
	if req == nil {
		return false
	}
	v, ok := req.Bag(bagStream)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// TaskID returns the task a tasks/* exchange references, or "".
func TaskID(req *exchange.Request) string {
	if req == nil {
		return ""
	}
	return req.BagString(bagTask)
}

// ensureEnvelope passes through data that already is a JSON-RPC envelope
// and wraps anything else as the result for id.
func ensureEnvelope(id, data []byte) []byte {
	if len(data) > 0 && gjson.GetBytes(data, "jsonrpc").Exists() {
		return data
	}
	if len(data) == 0 {
		data = []byte("null")
	}
	return wire.ResultEnvelope(id, data)
}
