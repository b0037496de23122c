package router

import (
	"net"

	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/snapshot"
)

// match walks the three tiers against the snapshot's routes. It reports
// methodMiss when some route matched everything but the method, so the
// caller can answer 405 instead of 404. Only positive results are cached;
// the method is part of the key, so a hit is always valid.
func (st *state) match(req *exchange.Request) (*snapshot.Route, bool) {
	key := string(req.Protocol) + "|" + req.Host + "|" + req.Method + "|" + req.Path
	if r, ok := st.cache.Get(key); ok {
		return r, false
	}

	host := hostOnly(req.Host)
	methodMiss := false

	// Exact tier.
	for _, r := range st.snap.Routes {
		if r.Protocol != req.Protocol || r.Prefix || r.Path == "" {
			continue
		}
		if r.Path != req.Path || !r.MatchHost(host) {
			continue
		}
		if !r.MatchMethod(req.Method) {
			methodMiss = true
			continue
		}
		st.cache.Add(key, r)
		return r, false
	}

	// Prefix tier, operator order.
	for _, r := range st.snap.Routes {
		if r.Protocol != req.Protocol || !r.Prefix {
			continue
		}
		if !r.MatchPath(req.Path) || !r.MatchHost(host) {
			continue
		}
		if !r.MatchMethod(req.Method) {
			methodMiss = true
			continue
		}
		st.cache.Add(key, r)
		return r, false
	}

	// Protocol fallback tier.
	for _, r := range st.snap.Routes {
		if r.Protocol != req.Protocol || r.Path != "" || r.Prefix {
			continue
		}
		if !r.MatchHost(host) {
			continue
		}
		if !r.MatchMethod(req.Method) {
			methodMiss = true
			continue
		}
		st.cache.Add(key, r)
		return r, false
	}

	return nil, methodMiss
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
