// Package exchange defines the protocol-neutral request and response model
// every wire adapter produces and every policy stage operates on. One
// exchange is one logical request/response pair, regardless of which
// protocol carried it or whether the response streams.
package exchange

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Protocol identifies the wire protocol an exchange arrived on.
type Protocol string

const (
	ProtoHTTP Protocol = "http"
	ProtoMCP  Protocol = "mcp"
	ProtoA2A  Protocol = "a2a"
)

// Identity describes the authenticated principal for an exchange.
type Identity struct {
	Subject  string
	ClientID string
	Method   string // jwt | api_key | mtls
	Roles    []string
	Claims   map[string]interface{}
}

// Request is the single internal form of an inbound request. Adapters fill
// it from the wire; policy stages may rewrite it; the upstream connector
// consumes it. The bag and all mutable fields are owned by the exchange's
// pipeline goroutine.
type Request struct {
	ID         string
	Protocol   Protocol
	Method     string // HTTP verb, or RPC method for JSON-RPC protocols
	Host       string
	Path       string
	Query      url.Values
	Header     http.Header
	Body       Body
	ClientAddr string
	ReceivedAt time.Time

	// TLS is the connection state when the client connected over TLS,
	// nil otherwise. Set by the listener.
	TLS *tls.ConnectionState

	// Identity is set by an authentication stage, or by the listener when
	// the client presented a verified certificate.
	Identity *Identity

	// OnUsage, when set, is invoked once with measured token usage after
	// the upstream response (or stream) completes. Implementations must be
	// safe to call from the relay goroutine.
	OnUsage func(promptTokens, completionTokens int64)

	bag map[string]interface{}
}

// New creates a request with a fresh ID and receive timestamp.
func New(proto Protocol) *Request {
	return &Request{
		ID:         uuid.NewString(),
		Protocol:   proto,
		Query:      url.Values{},
		Header:     http.Header{},
		ReceivedAt: time.Now(),
		bag:        make(map[string]interface{}),
	}
}

// SetBag stores a per-exchange value. Keys are package-qualified strings.
func (r *Request) SetBag(key string, v interface{}) {
	if r.bag == nil {
		r.bag = make(map[string]interface{})
	}
	r.bag[key] = v
}

// Bag returns a per-exchange value.
func (r *Request) Bag(key string) (interface{}, bool) {
	v, ok := r.bag[key]
	return v, ok
}

// BagString returns a bag value as a string, or "" when absent.
func (r *Request) BagString(key string) string {
	if v, ok := r.bag[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Response is the single internal form of an outbound response. Body may be
// buffered or streaming; a streaming body always terminates with an explicit
// End marker.
type Response struct {
	Status int
	Header http.Header
	Body   Body
}

// NewResponse creates an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{
		Status: status,
		Header: http.Header{},
	}
}
