// Package provider adapts the gateway's client-facing chat shape to the
// native APIs of the model providers behind it. Clients always speak the
// OpenAI chat-completions dialect; a Dialect translates requests on the
// way out and responses (buffered or streamed) on the way back, so
// switching a backend between providers never changes what clients see.
//
// Dialects are stateless singletons registered from init(). Shape returns
// a request with only the provider's canonical path set; the connector
// fills in the chosen endpoint, authentication and forwarding headers.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/tidwall/sjson"

	"github.com/agentwire/gateway/internal/exchange"
)

// Dialect translates between the unified chat shape and one provider API.
type Dialect interface {
	Name() string

	// Shape builds the outbound provider request from the exchange. The
	// request body must be fully buffered before Shape is called.
	Shape(ctx context.Context, req *exchange.Request) (*http.Request, error)

	// ParseResponse translates a buffered provider response into the
	// unified shape.
	ParseResponse(status int, body []byte) (*exchange.Response, error)

	// ParseStreamEvent translates one provider stream event. A nil chunk
	// with no error means the event carries nothing for the client. done
	// reports that the provider signalled a clean end of stream.
	ParseStreamEvent(event string, data []byte) (*exchange.Chunk, bool, error)

	// Translates reports whether the dialect reshapes traffic. The verbatim
	// dialect returns false: bodies, streams and terminal markers pass
	// through exactly as the backend sent them.
	Translates() bool
}

var (
	dialects   = make(map[string]Dialect)
	dialectsMu sync.RWMutex
)

// Register registers a dialect. It is called from init() in the dialect
// files; registering the same name twice panics, which surfaces wiring
// mistakes at startup.
func Register(d Dialect) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()
	if d == nil || d.Name() == "" {
		panic("provider: register of unnamed dialect")
	}
	if _, dup := dialects[d.Name()]; dup {
		panic(fmt.Sprintf("provider: duplicate registration for %q", d.Name()))
	}
	dialects[d.Name()] = d
}

// Lookup returns the dialect registered under name.
func Lookup(name string) (Dialect, bool) {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	d, ok := dialects[name]
	return d, ok
}

// Known reports whether a dialect is registered under name.
func Known(name string) bool {
	_, ok := Lookup(name)
	return ok
}

// Names returns the registered dialect names, sorted.
func Names() []string {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	names := make([]string, 0, len(dialects))
	for n := range dialects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// bodyBytes returns the buffered request body, nil for empty or
// streaming bodies.
func bodyBytes(req *exchange.Request) []byte {
	if b, ok := req.Body.(*exchange.BufferedBody); ok {
		return b.Bytes()
	}
	return nil
}

// setJSON and setRawJSON wrap sjson for static paths, where the only
// possible error is a malformed path literal.
func setJSON(doc []byte, path string, value interface{}) []byte {
	out, err := sjson.SetBytes(doc, path, value)
	if err != nil {
		return doc
	}
	return out
}

func setRawJSON(doc []byte, path string, raw []byte) []byte {
	out, err := sjson.SetRawBytes(doc, path, raw)
	if err != nil {
		return doc
	}
	return out
}
