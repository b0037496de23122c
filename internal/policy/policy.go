// Package policy runs ordered stage chains over exchanges. Stages are
// built once per configuration snapshot and shared by every exchange, so
// implementations must be safe for concurrent use.
package policy

import (
	"context"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/observe"
)

// Op is the outcome class of a stage decision.
type Op int

const (
	// OpAllow lets the exchange continue to the next stage.
	OpAllow Op = iota
	// OpReject stops the exchange with an error status.
	OpReject
	// OpRespond stops the exchange with a synthesized success response,
	// e.g. a CORS preflight answer.
	OpRespond
)

// Decision is the result of applying one stage to a request.
type Decision struct {
	Op       Op
	Status   int
	Reason   string
	Stage    string      // filled in by the chain
	Header   http.Header // extra headers for a reject, e.g. Retry-After
	Response *exchange.Response
}

// Allow continues the chain.
func Allow() *Decision { return &Decision{Op: OpAllow} }

// Reject stops the chain with the given status and reason.
func Reject(status int, reason string) *Decision {
	return &Decision{Op: OpReject, Status: status, Reason: reason}
}

// Respond stops the chain and sends resp to the caller as-is.
func Respond(resp *exchange.Response) *Decision {
	return &Decision{Op: OpRespond, Response: resp}
}

// Stage inspects or mutates a request before it reaches the backend.
type Stage interface {
	Name() string
	Kind() string
	ApplyRequest(ctx context.Context, req *exchange.Request) (*Decision, error)
}

// ResponseStage is implemented by stages that also process the backend
// response on the way out.
type ResponseStage interface {
	Stage
	ApplyResponse(ctx context.Context, req *exchange.Request, resp *exchange.Response) error
}

// Deps carries shared process resources into stage constructors. Fields
// may be nil when the deployment does not provide them; stages that
// require one must fail construction instead of at traffic time.
type Deps struct {
	Redis *redis.Client
	Clock clock.Clock
	Sink  observe.Sink
}

func (d Deps) clock() clock.Clock {
	if d.Clock != nil {
		return d.Clock
	}
	return clock.New()
}

func (d Deps) sink() observe.Sink {
	if d.Sink != nil {
		return d.Sink
	}
	return observe.NopSink{}
}

// Chain applies stages in declaration order.
type Chain struct {
	stages []Stage
}

// NewChain builds a chain. Order is the route's declared policy order.
func NewChain(stages ...Stage) *Chain {
	return &Chain{stages: stages}
}

// Len returns the number of stages.
func (c *Chain) Len() int { return len(c.stages) }

// Apply runs request stages in order. The first non-allow decision stops
// the chain; its Stage field names the stage that made it. A stage error
// aborts the chain and surfaces as an internal fault.
func (c *Chain) Apply(ctx context.Context, req *exchange.Request) (*Decision, error) {
	for _, s := range c.stages {
		d, err := s.ApplyRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		if d == nil {
			d = Allow()
		}
		if d.Op != OpAllow {
			d.Stage = s.Name()
			return d, nil
		}
	}
	return Allow(), nil
}

// ApplyResponse runs response-capable stages in reverse declaration
// order, mirroring how wrapping middleware unwinds.
func (c *Chain) ApplyResponse(ctx context.Context, req *exchange.Request, resp *exchange.Response) error {
	for i := len(c.stages) - 1; i >= 0; i-- {
		rs, ok := c.stages[i].(ResponseStage)
		if !ok {
			continue
		}
		if err := rs.ApplyResponse(ctx, req, resp); err != nil {
			return err
		}
	}
	return nil
}
