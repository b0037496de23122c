package upstream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/snapshot"
	"github.com/agentwire/gateway/internal/wire"
)

// tcpAttempt exchanges one JSON-RPC frame with a raw TCP backend. Frames
// are newline-delimited. Interleaved notification frames from the server
// are skipped; the first frame carrying an id is the reply. Raw TCP
// backends answer one frame per request and never stream.
func (c *Connector) tcpAttempt(ctx context.Context, raw []byte, be *snapshot.Backend, pool *Pool, ep *url.URL) (*exchange.Response, error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	var conn net.Conn
	conn, err := pool.dial(actx, "tcp", ep.Host)
	if err != nil {
		return nil, err
	}
	defer func() { conn.Close() }()
	stop := context.AfterFunc(actx, func() { conn.Close() })
	defer stop()

	if be.RequestTimeout > 0 {
		conn.SetDeadline(time.Now().Add(be.RequestTimeout))
	}
	if be.TLS != nil {
		tconn := tls.Client(conn, be.TLS)
		if herr := tconn.HandshakeContext(actx); herr != nil {
			return nil, herr
		}
		conn = tconn
	}

	frame := compactJSON(raw)
	if _, werr := conn.Write(append(frame, '\n')); werr != nil {
		return nil, werr
	}

	br := bufio.NewReader(conn)
	for {
		out, rerr := wire.ReadFrame(br, maxBufferedResponse)
		if rerr != nil {
			return nil, rerr
		}
		id := gjson.GetBytes(out, "id")
		if !id.Exists() || id.Type == gjson.Null {
			continue
		}
		resp := exchange.NewResponse(http.StatusOK)
		resp.Header.Set("Content-Type", "application/json")
		resp.Body = exchange.Buffered(out)
		return resp, nil
	}
}

// compactJSON flattens a document so it survives newline framing.
func compactJSON(raw []byte) []byte {
	if bytes.IndexByte(raw, '\n') < 0 {
		return raw
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
