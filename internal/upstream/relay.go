package upstream

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentwire/gateway/internal/errors"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/observe"
	"github.com/agentwire/gateway/internal/snapshot"
	"github.com/agentwire/gateway/internal/upstream/provider"
	"github.com/agentwire/gateway/internal/wire/a2awire"
)

const (
	sseInitialBuffer = 64 << 10
	sseMaxLine       = 4 << 20
)

// doneMarker closes translated chat streams. It goes out only after the
// dialect reports a clean end; a cut stream ends Truncated instead.
var doneMarker = []byte("[DONE]")

type relayJob struct {
	dialect provider.Dialect
	req     *exchange.Request
	backend *snapshot.Backend
	body    io.ReadCloser
	stream  *exchange.StreamBody
	release func()
	cancel  context.CancelFunc
}

// relay pumps one upstream SSE body into the exchange stream. It owns the
// upstream body, the pool slot and the attempt context; all are released
// when the stream closes.
func (c *Connector) relay(ctx context.Context, job relayJob) {
	started := time.Now()
	defer job.release()
	defer job.cancel()
	defer job.body.Close()

	idle := job.backend.StreamIdle
	var idleFired atomic.Bool
	var watchdog *time.Timer
	if idle > 0 {
		watchdog = time.AfterFunc(idle, func() {
			idleFired.Store(true)
			job.body.Close()
		})
		defer watchdog.Stop()
	}

	var (
		prompt, completion int64
		sawUsage           bool
	)
	finish := func(end exchange.End) {
		if sawUsage && job.req.OnUsage != nil {
			job.req.OnUsage(prompt, completion)
		}
		job.stream.Close(end)
		ev := observe.Event{
			Type:     observe.EventStreamEnd,
			Backend:  job.backend.ID,
			Protocol: string(job.req.Protocol),
			Duration: time.Since(started),
			Tokens:   completion,
		}
		if end.Err != nil {
			ev.Detail = end.Err.Error()
			if gerr, ok := errors.IsGatewayError(end.Err); ok {
				ev.Kind = string(gerr.Kind)
				ev.Status = gerr.Code
			}
		} else if end.Truncated {
			ev.Detail = "truncated"
		}
		c.sink.Event(ev)
	}

	scanner := bufio.NewScanner(job.body)
	scanner.Buffer(make([]byte, 0, sseInitialBuffer), sseMaxLine)

	var event string
	var data []byte
	for scanner.Scan() {
		if watchdog != nil {
			watchdog.Reset(idle)
		}
		line := bytes.TrimSuffix(scanner.Bytes(), []byte("\r"))
		switch {
		case len(line) == 0:
			if event == "" && len(data) == 0 {
				continue
			}
			chunk, done, perr := job.dialect.ParseStreamEvent(event, data)
			event, data = "", nil
			if perr != nil {
				finish(exchange.End{Err: errors.Wrap(perr, http.StatusBadGateway, errors.KindUpstream, "Bad Gateway")})
				return
			}
			if chunk != nil {
				if job.req.OnUsage != nil {
					if u := gjson.GetBytes(chunk.Data, "usage"); u.Exists() {
						prompt = u.Get("prompt_tokens").Int()
						completion = u.Get("completion_tokens").Int()
						sawUsage = true
					}
				}
				if serr := job.stream.Send(ctx, *chunk); serr != nil {
					finish(exchange.End{Err: serr})
					return
				}
				if job.req.Protocol == exchange.ProtoA2A && a2awire.Final(chunk.Data) {
					// Terminal task event; the backend may hold the
					// transport open regardless.
					finish(exchange.End{})
					return
				}
			}
			if done {
				if job.dialect.Translates() {
					if serr := job.stream.Send(ctx, exchange.Chunk{Data: doneMarker}); serr != nil {
						finish(exchange.End{Err: serr})
						return
					}
				}
				finish(exchange.End{})
				return
			}
		case line[0] == ':':
			// keepalive comment
		default:
			field, value := splitSSEField(line)
			switch field {
			case "event":
				event = string(value)
			case "data":
				if len(data) > 0 {
					data = append(data, '\n')
				}
				data = append(data, value...)
			}
		}
	}

	// The reader stopped before the dialect saw a clean end.
	switch {
	case idleFired.Load():
		finish(exchange.End{Err: errors.ErrGatewayTimeout.WithDetails("stream idle timeout")})
	case ctx.Err() != nil:
		finish(exchange.End{Err: ctx.Err()})
	case scanner.Err() != nil:
		finish(exchange.End{Err: errors.Wrap(scanner.Err(), http.StatusBadGateway, errors.KindUpstream, "Bad Gateway")})
	case job.dialect.Translates():
		finish(exchange.End{Truncated: true})
	default:
		finish(exchange.End{})
	}
}

func splitSSEField(line []byte) (string, []byte) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return string(line), nil
	}
	field := string(line[:i])
	value := line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return field, value
}
