package exchange

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrBodyTooLarge is returned by ReadAll when a body exceeds its limit.
	ErrBodyTooLarge = errors.New("exchange: body exceeds limit")

	// ErrStreamCancelled is returned to producers after the consumer is gone.
	ErrStreamCancelled = errors.New("exchange: stream cancelled by consumer")
)

// Body is either a *BufferedBody or a *StreamBody.
type Body interface {
	Streaming() bool
}

// Chunk is one unit of a streamed body. Meta carries adapter hints such as
// the SSE event name; it may be nil.
type Chunk struct {
	Data []byte
	Meta map[string]string
}

// End terminates a stream. A stream without an End marker never ends
// implicitly: connection teardown surfaces here as Err or Truncated, it is
// never inferred silently.
type End struct {
	Err       error
	Truncated bool
}

// BufferedBody holds a fully materialized body.
type BufferedBody struct {
	data []byte
}

// Buffered wraps data in a body. The slice is not copied.
func Buffered(data []byte) *BufferedBody {
	return &BufferedBody{data: data}
}

func (b *BufferedBody) Streaming() bool { return false }

// Bytes returns the body contents.
func (b *BufferedBody) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the body length in bytes.
func (b *BufferedBody) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// StreamBody carries an ordered sequence of chunks from one producer to one
// consumer. The producer calls Send for each chunk and Close exactly once;
// the consumer ranges over Chunks and reads End after the channel closes.
// Neither side may be shared across goroutines.
type StreamBody struct {
	ch        chan Chunk
	cancelled chan struct{}

	closeOnce  sync.Once
	cancelOnce sync.Once

	mu  sync.Mutex
	end End
}

// NewStream creates a stream with the given chunk buffer. A zero buffer
// makes every Send rendezvous with the consumer.
func NewStream(buffer int) *StreamBody {
	return &StreamBody{
		ch:        make(chan Chunk, buffer),
		cancelled: make(chan struct{}),
	}
}

func (s *StreamBody) Streaming() bool { return true }

// Send delivers one chunk. It blocks until the consumer accepts the chunk,
// the consumer cancels, or ctx is done.
func (s *StreamBody) Send(ctx context.Context, c Chunk) error {
	select {
	case <-s.cancelled:
		return ErrStreamCancelled
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case s.ch <- c:
		return nil
	case <-s.cancelled:
		return ErrStreamCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close records the terminal marker and closes the chunk channel. Only the
// first call wins; later calls are no-ops.
func (s *StreamBody) Close(end End) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.end = end
		s.mu.Unlock()
		close(s.ch)
	})
}

// Chunks returns the receive side of the stream. The channel closes after
// the producer calls Close.
func (s *StreamBody) Chunks() <-chan Chunk {
	return s.ch
}

// End returns the terminal marker. Valid once Chunks has been drained.
func (s *StreamBody) End() End {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

// Cancel tells the producer the consumer is gone. Pending and future Sends
// return ErrStreamCancelled. Idempotent.
func (s *StreamBody) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelled) })
}

// Cancelled reports whether the consumer cancelled the stream.
func (s *StreamBody) Cancelled() bool {
	select {
	case <-s.cancelled:
		return true
	default:
		return false
	}
}

// ReadAll materializes a body into a byte slice. Streams are drained chunk
// by chunk; if the total would exceed limit (limit > 0), the stream is
// cancelled and ErrBodyTooLarge is returned. A stream that ends with an
// error or truncation surfaces that error.
func ReadAll(ctx context.Context, body Body, limit int64) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case *BufferedBody:
		if limit > 0 && int64(b.Len()) > limit {
			return nil, ErrBodyTooLarge
		}
		return b.Bytes(), nil
	case *StreamBody:
		var buf []byte
		for {
			select {
			case c, ok := <-b.Chunks():
				if !ok {
					end := b.End()
					if end.Err != nil {
						return nil, end.Err
					}
					if end.Truncated {
						return nil, errors.New("exchange: stream truncated")
					}
					return buf, nil
				}
				buf = append(buf, c.Data...)
				if limit > 0 && int64(len(buf)) > limit {
					b.Cancel()
					return nil, ErrBodyTooLarge
				}
			case <-ctx.Done():
				b.Cancel()
				return nil, ctx.Err()
			}
		}
	default:
		return nil, errors.New("exchange: unknown body type")
	}
}

// Drain discards a body, releasing its producer if it streams. It never
// blocks: buffered chunks are dropped and the producer unblocks through the
// cancellation signal.
func Drain(body Body) {
	s, ok := body.(*StreamBody)
	if !ok || s == nil {
		return
	}
	s.Cancel()
	for {
		select {
		case _, open := <-s.ch:
			if !open {
				return
			}
		default:
			return
		}
	}
}
