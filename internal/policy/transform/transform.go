// Package transform rewrites headers and JSON payloads in flight and
// optionally compresses buffered responses.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/policy"
)

func init() {
	policy.Register("transform", newTransformStage)
}

type transformParams struct {
	Request  *bodyRules `yaml:"request"`
	Response *bodyRules `yaml:"response"`
}

type bodyRules struct {
	SetHeaders    map[string]string      `yaml:"set_headers"`
	RemoveHeaders []string               `yaml:"remove_headers"`
	SetFields     map[string]interface{} `yaml:"set_fields"`
	RemoveFields  []string               `yaml:"remove_fields"`
	RenameFields  map[string]string      `yaml:"rename_fields"`
	Template      string                 `yaml:"template"`
	Compress      string                 `yaml:"compress"` // response only: gzip | br | zstd | auto
}

// compiledRules is the per-direction rewrite program, compiled once at
// snapshot build.
type compiledRules struct {
	setHeaders    map[string]*template.Template
	removeHeaders []string
	setFields     map[string]interface{}
	removeFields  []string
	renameFields  map[string]string
	tmpl          *template.Template
	compress      string
}

// TransformStage applies the configured request rules inbound and the
// response rules outbound.
type TransformStage struct {
	name     string
	request  *compiledRules
	response *compiledRules
}

func newTransformStage(name string, params map[string]interface{}, deps policy.Deps) (policy.Stage, error) {
	var p transformParams
	if err := config.DecodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("transform policy %s: %w", name, err)
	}
	if p.Request == nil && p.Response == nil {
		return nil, fmt.Errorf("transform policy %s: request or response rules required", name)
	}

	s := &TransformStage{name: name}
	var err error
	if p.Request != nil {
		if p.Request.Compress != "" {
			return nil, fmt.Errorf("transform policy %s: compress applies to responses only", name)
		}
		if s.request, err = compileRules(p.Request); err != nil {
			return nil, fmt.Errorf("transform policy %s: request: %w", name, err)
		}
	}
	if p.Response != nil {
		switch p.Response.Compress {
		case "", "gzip", "br", "zstd", "auto":
		default:
			return nil, fmt.Errorf("transform policy %s: unknown compress codec %q", name, p.Response.Compress)
		}
		if s.response, err = compileRules(p.Response); err != nil {
			return nil, fmt.Errorf("transform policy %s: response: %w", name, err)
		}
	}
	return s, nil
}

func compileRules(r *bodyRules) (*compiledRules, error) {
	c := &compiledRules{
		removeHeaders: r.RemoveHeaders,
		setFields:     r.SetFields,
		removeFields:  r.RemoveFields,
		renameFields:  r.RenameFields,
		compress:      r.Compress,
	}

	if len(r.SetHeaders) > 0 {
		c.setHeaders = make(map[string]*template.Template, len(r.SetHeaders))
		for name, value := range r.SetHeaders {
			tmpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Parse(value)
			if err != nil {
				return nil, fmt.Errorf("header %s template: %w", name, err)
			}
			c.setHeaders[name] = tmpl
		}
	}

	if r.Template != "" {
		tmpl, err := template.New("body").Funcs(sprig.TxtFuncMap()).Parse(r.Template)
		if err != nil {
			return nil, fmt.Errorf("body template: %w", err)
		}
		c.tmpl = tmpl
	}

	return c, nil
}

func (s *TransformStage) Name() string { return s.name }
func (s *TransformStage) Kind() string { return "transform" }

// templateData is what header and body templates see.
type templateData struct {
	Method   string
	Path     string
	Protocol string
	ClientID string
	Body     interface{}
}

func dataFor(req *exchange.Request, body interface{}) templateData {
	d := templateData{
		Method:   req.Method,
		Path:     req.Path,
		Protocol: string(req.Protocol),
		Body:     body,
	}
	if req.Identity != nil {
		d.ClientID = req.Identity.ClientID
	}
	return d
}

func (s *TransformStage) ApplyRequest(ctx context.Context, req *exchange.Request) (*policy.Decision, error) {
	if s.request == nil {
		return policy.Allow(), nil
	}

	s.request.applyHeaders(req.Header, dataFor(req, nil))

	if buf, ok := req.Body.(*exchange.BufferedBody); ok && buf.Len() > 0 {
		rewritten, changed := s.request.applyBody(buf.Bytes(), req)
		if changed {
			req.Body = exchange.Buffered(rewritten)
			req.Header.Set("Content-Length", fmt.Sprintf("%d", len(rewritten)))
		}
	}
	return policy.Allow(), nil
}

func (s *TransformStage) ApplyResponse(ctx context.Context, req *exchange.Request, resp *exchange.Response) error {
	if s.response == nil {
		return nil
	}

	s.response.applyHeaders(resp.Header, dataFor(req, nil))

	buf, buffered := resp.Body.(*exchange.BufferedBody)
	if buffered && buf.Len() > 0 {
		rewritten, changed := s.response.applyBody(buf.Bytes(), req)
		if changed {
			resp.Body = exchange.Buffered(rewritten)
		}
	}

	if s.response.compress != "" && buffered {
		compressResponse(req, resp, s.response.compress)
	}
	return nil
}

func (c *compiledRules) applyHeaders(h http.Header, data templateData) {
	for _, name := range c.removeHeaders {
		h.Del(name)
	}
	for name, tmpl := range c.setHeaders {
		var sb strings.Builder
		if err := tmpl.Execute(&sb, data); err != nil {
			continue
		}
		h.Set(name, sb.String())
	}
}

// applyBody runs field edits and the terminal template over a JSON body.
// Non-JSON bodies pass through untouched.
func (c *compiledRules) applyBody(body []byte, req *exchange.Request) ([]byte, bool) {
	hasFieldOps := len(c.setFields) > 0 || len(c.removeFields) > 0 || len(c.renameFields) > 0
	if !hasFieldOps && c.tmpl == nil {
		return body, false
	}
	if !gjson.ValidBytes(body) {
		return body, false
	}

	out := body
	for path, value := range c.setFields {
		if next, err := sjson.SetBytes(out, path, value); err == nil {
			out = next
		}
	}
	for _, path := range c.removeFields {
		if next, err := sjson.DeleteBytes(out, path); err == nil {
			out = next
		}
	}
	for oldPath, newPath := range c.renameFields {
		result := gjson.GetBytes(out, oldPath)
		if !result.Exists() {
			continue
		}
		next, err := sjson.SetRawBytes(out, newPath, []byte(result.Raw))
		if err != nil {
			continue
		}
		out, _ = sjson.DeleteBytes(next, oldPath)
	}

	if c.tmpl != nil {
		var parsed interface{}
		if err := json.Unmarshal(out, &parsed); err == nil {
			var sb bytes.Buffer
			if err := c.tmpl.Execute(&sb, dataFor(req, parsed)); err == nil {
				out = sb.Bytes()
			}
		}
	}

	return out, !bytes.Equal(out, body)
}
