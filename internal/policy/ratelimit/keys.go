// Package ratelimit implements the request-rate and model-token budget
// stages, with in-memory and Redis-backed accounting.
package ratelimit

import (
	"fmt"
	"net"
	"strings"

	"github.com/agentwire/gateway/internal/exchange"
)

// keyFunc extracts the accounting key for an exchange.
type keyFunc func(req *exchange.Request) string

// buildKeyFunc returns a key extraction function for the configured
// strategy. All strategies fall back to the client IP when the value is
// absent.
func buildKeyFunc(key string) keyFunc {
	switch {
	case key == "" || key == "client":
		return func(req *exchange.Request) string {
			if req.Identity != nil && req.Identity.ClientID != "" {
				return req.Identity.ClientID
			}
			return clientIP(req)
		}
	case key == "ip":
		return clientIP
	case key == "global":
		return func(*exchange.Request) string { return "global" }
	case strings.HasPrefix(key, "header:"):
		name := strings.TrimPrefix(key, "header:")
		prefix := "header:" + name + ":"
		return func(req *exchange.Request) string {
			if v := req.Header.Get(name); v != "" {
				return prefix + v
			}
			return clientIP(req)
		}
	case strings.HasPrefix(key, "claim:"):
		claim := strings.TrimPrefix(key, "claim:")
		prefix := "claim:" + claim + ":"
		return func(req *exchange.Request) string {
			if req.Identity != nil && req.Identity.Claims != nil {
				if v, ok := req.Identity.Claims[claim]; ok {
					return prefix + fmt.Sprintf("%v", v)
				}
			}
			return clientIP(req)
		}
	default:
		return clientIP
	}
}

func clientIP(req *exchange.Request) string {
	if host, _, err := net.SplitHostPort(req.ClientAddr); err == nil {
		return host
	}
	return req.ClientAddr
}
