package upstream

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/agentwire/gateway/internal/snapshot"
)

func testBackend(id string, poolSize int, endpoints ...string) *snapshot.Backend {
	be := &snapshot.Backend{
		ID:             id,
		Scheme:         "http",
		PoolSize:       poolSize,
		DialTimeout:    time.Second,
		RequestTimeout: 5 * time.Second,
		IdleTimeout:    10 * time.Second,
		StreamIdle:     time.Second,
	}
	for _, ep := range endpoints {
		be.Endpoints = append(be.Endpoints, &url.URL{Scheme: "http", Host: ep})
	}
	return be
}

func TestPoolAcquireBounds(t *testing.T) {
	p := NewPool(testBackend("b", 2, "a:1"), nil)
	defer p.Close()

	r1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	r2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if got := p.InFlight(); got != 2 {
		t.Fatalf("in-flight = %d, want 2", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); err == nil {
		t.Fatal("third acquire must fail on a full pool")
	}

	r1()
	r3, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	r3()
	r2()
	if got := p.InFlight(); got != 0 {
		t.Fatalf("in-flight = %d after releases, want 0", got)
	}
}

func TestPoolReleaseIdempotent(t *testing.T) {
	p := NewPool(testBackend("b", 1, "a:1"), nil)
	defer p.Close()

	release, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release()
	if got := p.InFlight(); got != 0 {
		t.Fatalf("in-flight = %d, double release must not underflow", got)
	}
	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after double release: %v", err)
	}
}

func TestPoolAcquireWaitsForRelease(t *testing.T) {
	p := NewPool(testBackend("b", 1, "a:1"), nil)
	defer p.Close()

	release, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		release()
	}()

	start := time.Now()
	r2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("blocked acquire: %v", err)
	}
	defer r2()
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Fatalf("acquire returned after %v, expected to wait for the release", waited)
	}
}

func TestPoolPickEndpointRoundRobin(t *testing.T) {
	p := NewPool(testBackend("b", 1, "a:1", "b:2", "c:3"), nil)
	defer p.Close()

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		seen[p.pickEndpoint().Host]++
	}
	for _, host := range []string{"a:1", "b:2", "c:3"} {
		if seen[host] != 2 {
			t.Fatalf("endpoint %s picked %d times, want 2: %v", host, seen[host], seen)
		}
	}
}

func TestPoolsPerBackendLifecycle(t *testing.T) {
	pools := NewPools(nil)
	defer pools.Close()

	be := testBackend("b", 1, "a:1")
	p1 := pools.For(be)
	if pools.For(be) != p1 {
		t.Fatal("same backend must map to the same pool")
	}

	snap := &snapshot.Snapshot{Backends: map[string]*snapshot.Backend{"b": be}}
	pools.Retire(snap)
	if p2 := pools.For(be); p2 == p1 {
		t.Fatal("retired backend must get a fresh pool")
	}
}
