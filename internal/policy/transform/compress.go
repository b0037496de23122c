package transform

import (
	"bytes"
	"compress/gzip"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/agentwire/gateway/internal/exchange"
)

// minCompressSize skips compression for payloads too small to benefit.
const minCompressSize = 256

// compressResponse encodes a buffered response body when the client
// accepts the configured codec. Already-encoded and streaming responses
// pass through untouched.
func compressResponse(req *exchange.Request, resp *exchange.Response, codec string) {
	if resp.Header.Get("Content-Encoding") != "" {
		return
	}
	buf, ok := resp.Body.(*exchange.BufferedBody)
	if !ok || buf.Len() < minCompressSize {
		return
	}

	accepted := acceptedEncodings(req.Header.Get("Accept-Encoding"))
	chosen := codec
	if codec == "auto" {
		chosen = pickEncoding(accepted)
	} else if !accepted[codec] {
		return
	}
	if chosen == "" {
		return
	}

	encoded, err := encode(chosen, buf.Bytes())
	if err != nil || len(encoded) >= buf.Len() {
		return
	}

	resp.Body = exchange.Buffered(encoded)
	resp.Header.Set("Content-Encoding", chosen)
	resp.Header.Set("Content-Length", strconv.Itoa(len(encoded)))
	resp.Header.Add("Vary", "Accept-Encoding")
}

func acceptedEncodings(header string) map[string]bool {
	accepted := make(map[string]bool)
	for _, part := range strings.Split(header, ",") {
		name := strings.TrimSpace(part)
		if i := strings.IndexByte(name, ';'); i >= 0 {
			name = strings.TrimSpace(name[:i])
		}
		if name != "" {
			accepted[name] = true
		}
	}
	return accepted
}

// pickEncoding prefers the strongest codec the client accepts.
func pickEncoding(accepted map[string]bool) string {
	for _, codec := range []string{"zstd", "br", "gzip"} {
		if accepted[codec] {
			return codec
		}
	}
	return ""
}

func encode(codec string, data []byte) ([]byte, error) {
	var out bytes.Buffer
	switch codec {
	case "gzip":
		w := gzip.NewWriter(&out)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "br":
		w := brotli.NewWriter(&out)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "zstd":
		w, err := zstd.NewWriter(&out)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}
