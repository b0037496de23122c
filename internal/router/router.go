// Package router matches exchanges to routes against the current
// snapshot. Matching runs in three tiers: exact path, then prefix routes
// in operator order, then protocol-level fallbacks. The first route
// declared wins within a tier.
package router

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentwire/gateway/internal/errors"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/snapshot"
)

const cacheSize = 4096

// Matcher resolves exchanges against an atomically swappable snapshot.
type Matcher struct {
	state atomic.Pointer[state]
}

// state pairs a snapshot with its resolution cache. The cache lives and
// dies with the snapshot, so a swap invalidates it implicitly.
type state struct {
	snap  *snapshot.Snapshot
	cache *lru.Cache[string, *snapshot.Route]
}

func New() *Matcher {
	return &Matcher{}
}

// Swap publishes next as the current snapshot and supersedes the previous
// one, which retires as soon as its in-flight leases drain. It returns
// the superseded snapshot, nil on first publication.
func (m *Matcher) Swap(next *snapshot.Snapshot) *snapshot.Snapshot {
	cache, _ := lru.New[string, *snapshot.Route](cacheSize)
	old := m.state.Swap(&state{snap: next, cache: cache})
	if old == nil {
		return nil
	}
	old.snap.Supersede()
	return old.snap
}

// Current returns the current snapshot without taking a lease. The caller
// must not dispatch against it; it exists for version and status reporting.
func (m *Matcher) Current() *snapshot.Snapshot {
	if st := m.state.Load(); st != nil {
		return st.snap
	}
	return nil
}

// Resolve matches the request to a route and leases the snapshot that owns
// it. The lease must be released when the exchange finishes, on every exit
// path. A route whose path matches but whose method set does not yields a
// 405; anything unmatched yields a 404.
func (m *Matcher) Resolve(req *exchange.Request) (*snapshot.Route, *snapshot.Lease, error) {
	for {
		st := m.state.Load()
		if st == nil {
			return nil, nil, errors.ErrServiceUnavailable.WithDetails("no configuration loaded")
		}
		lease, ok := st.snap.Acquire()
		if !ok {
			// Swapped out between load and acquire; re-read.
			continue
		}
		route, methodMiss := st.match(req)
		if route == nil {
			lease.Release()
			if methodMiss {
				return nil, nil, errors.ErrMethodNotAllowed
			}
			return nil, nil, errors.ErrNoRoute
		}
		return route, lease, nil
	}
}
