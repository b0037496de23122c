package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/agentwire/gateway/internal/errors"
)

// JSON-RPC 2.0 framing shared by the MCP and A2A adapters. Both protocols
// ride the same envelope; they differ in method namespaces and result
// payloads.

// Envelope is one JSON-RPC message. A request has a Method; a response has
// Result or Error. An ID of nil on a request marks a notification.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// JSON-RPC 2.0 reserved error codes.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	// Implementation-defined range for gateway faults.
	CodeRejected    = -32001
	CodeUpstream    = -32002
	CodeUnavailable = -32003
)

// IsNotification reports whether the envelope is a request without an id.
func (e *Envelope) IsNotification() bool {
	return e.Method != "" && len(e.ID) == 0
}

// ParseEnvelope decodes and checks one JSON-RPC request message.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.ErrParse.WithDetails(fmt.Sprintf("invalid JSON-RPC message: %v", err))
	}
	if env.JSONRPC != "2.0" {
		return nil, errors.ErrParse.WithDetails("jsonrpc version must be 2.0")
	}
	if env.Method == "" {
		return nil, errors.ErrParse.WithDetails("missing method")
	}
	return &env, nil
}

// ResultEnvelope encodes a response carrying result for the given id.
func ResultEnvelope(id, result json.RawMessage) []byte {
	b, _ := json.Marshal(Envelope{JSONRPC: "2.0", ID: normalizeID(id), Result: result})
	return b
}

// ErrorEnvelope encodes a JSON-RPC error response for the given id. The
// gateway error's kind picks the code; its status and detail travel in the
// error data so protocol-agnostic clients keep the HTTP-shaped context.
func ErrorEnvelope(id json.RawMessage, gerr *errors.GatewayError) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"status": gerr.Code,
		"kind":   string(gerr.Kind),
		"detail": gerr.Details,
	})
	env := Envelope{
		JSONRPC: "2.0",
		ID:      normalizeID(id),
		Error: &RPCError{
			Code:    ErrorCode(gerr),
			Message: gerr.Message,
			Data:    data,
		},
	}
	b, _ := json.Marshal(env)
	return b
}

// ErrorCode maps a gateway error onto a JSON-RPC error code. Parse faults
// carrying a 422 status are parameter-level (for example tool argument
// schema violations) and map to invalid params.
func ErrorCode(gerr *errors.GatewayError) int {
	switch gerr.Kind {
	case errors.KindParse:
		if gerr.Code == http.StatusUnprocessableEntity {
			return CodeInvalidParams
		}
		return CodeInvalidRequest
	case errors.KindNoRoute:
		return CodeMethodNotFound
	case errors.KindPolicyReject:
		return CodeRejected
	case errors.KindUpstream:
		return CodeUpstream
	default:
		return CodeInternal
	}
}

// normalizeID keeps a missing request id as JSON null, which the response
// object requires when the id is unknown.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// ReadFrame reads the next non-blank newline-delimited frame. A clean
// close between frames returns io.EOF; a final frame without a trailing
// newline still parses. Frames beyond max bytes (when max > 0) fail
// without consuming the rest of the stream.
func ReadFrame(r *bufio.Reader, max int64) ([]byte, error) {
	for {
		frame, err := readFrame(r, max)
		if err != nil {
			return nil, err
		}
		if len(frame) > 0 {
			return frame, nil
		}
	}
}

func readFrame(r *bufio.Reader, max int64) ([]byte, error) {
	var buf []byte
	for {
		part, err := r.ReadSlice('\n')
		buf = append(buf, part...)
		if max > 0 && int64(len(buf)) > max+1 {
			return nil, errors.ErrBodyTooLarge
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			if len(bytes.TrimSpace(buf)) == 0 {
				return nil, io.EOF
			}
			break
		}
		return nil, err
	}
	return bytes.TrimSpace(buf), nil
}

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("HEAD "), []byte("OPTIONS "), []byte("PATCH "), []byte("CONNECT "),
	[]byte("TRACE "),
}

// Sniff inspects the first bytes read from a connection and names the
// adapter that should own it: an HTTP method token means http; a JSON-RPC
// object means mcp, or a2a when the first method sits in the A2A
// namespace. Empty means the prefix matched nothing known.
func Sniff(prefix []byte) string {
	p := bytes.TrimLeft(prefix, " \t\r\n")
	if len(p) == 0 {
		return ""
	}
	if p[0] == '{' {
		if !bytes.Contains(p, []byte(`"jsonrpc"`)) {
			return ""
		}
		method := sniffMethod(p)
		if method == "" {
			return "mcp"
		}
		if isA2AMethod(method) {
			return "a2a"
		}
		return "mcp"
	}
	for _, m := range httpMethods {
		if bytes.HasPrefix(p, m) {
			return "http"
		}
	}
	return ""
}

// isA2AMethod reports whether a JSON-RPC method belongs to the A2A
// namespace.
func isA2AMethod(method string) bool {
	return strings.HasPrefix(method, "message/") ||
		strings.HasPrefix(method, "tasks/") ||
		strings.HasPrefix(method, "agent/")
}

// sniffMethod extracts the "method" value from a possibly truncated JSON
// object without a full parse.
func sniffMethod(p []byte) string {
	i := bytes.Index(p, []byte(`"method"`))
	if i < 0 {
		return ""
	}
	rest := p[i+len(`"method"`):]
	j := bytes.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	rest = rest[j+1:]
	k := bytes.IndexByte(rest, '"')
	if k < 0 {
		return ""
	}
	return string(rest[:k])
}
