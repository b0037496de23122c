// Package openapiwire bridges REST operations onto MCP tool calls. A route
// carrying an OpenAPI document accepts the REST requests the document
// describes; each operation is invoked on the backend as an MCP tool named
// by its operationId, and the tool result is shaped back into the REST
// response the operation declares. The document is loaded and checked once
// at configuration build time, never per request.
package openapiwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/tidwall/gjson"

	"github.com/agentwire/gateway/internal/errors"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/wire"
	"github.com/agentwire/gateway/internal/wire/mcpwire"
)

// Translator maps REST requests described by one OpenAPI document onto MCP
// tool calls. Safe for concurrent use after construction.
type Translator struct {
	doc    *openapi3.T
	router routers.Router
}

// Load reads and validates an OpenAPI 3 document and compiles its routing
// table. Every operation must carry an operationId, since that is the tool
// name the backend is called with.
func Load(specFile string) (*Translator, error) {
	ctx := context.Background()
	loader := &openapi3.Loader{Context: ctx, IsExternalRefsAllowed: true}
	doc, err := loader.LoadFromFile(specFile)
	if err != nil {
		return nil, fmt.Errorf("load OpenAPI spec: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec %s: %w", specFile, err)
	}

	var missing []string
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				missing = append(missing, method+" "+path)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("spec %s: operations missing operationId: %s", specFile, strings.Join(missing, ", "))
	}

	// Operation paths match relative to the gateway route, not the
	// document's deployment servers.
	doc.Servers = nil

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build OpenAPI router: %w", err)
	}
	return &Translator{doc: doc, router: router}, nil
}

// Invocation is one matched REST operation in flight. It keeps the
// reconstructed HTTP request so the tool result can be validated against
// the operation's response schema.
type Invocation struct {
	OperationID string

	route    *routers.Route
	reqInput *openapi3filter.RequestValidationInput
	status   int
}

// TranslateRequest matches a REST exchange to its operation, validates it
// against the document, and rewrites the exchange into a tools/call toward
// the MCP backend. The request's protocol, method and body change in
// place; path, host and headers survive for policies.
func (t *Translator) TranslateRequest(ctx context.Context, req *exchange.Request) (*Invocation, error) {
	body, err := exchange.ReadAll(ctx, req.Body, 0)
	if err != nil {
		return nil, errors.ErrParse.WithDetails(fmt.Sprintf("read request body: %v", err))
	}

	httpReq, err := restRequest(ctx, req, body)
	if err != nil {
		return nil, errors.ErrParse.WithDetails(fmt.Sprintf("reconstruct request: %v", err))
	}

	route, pathParams, err := t.router.FindRoute(httpReq)
	if err != nil {
		if err == routers.ErrMethodNotAllowed {
			return nil, errors.ErrMethodNotAllowed
		}
		return nil, errors.ErrNoRoute.WithDetails(fmt.Sprintf("no operation for %s %s", req.Method, req.Path))
	}

	reqInput := &openapi3filter.RequestValidationInput{
		Request:    httpReq,
		PathParams: pathParams,
		Route:      route,
		Options:    &openapi3filter.Options{AuthenticationFunc: noopAuthFunc},
	}
	if err := openapi3filter.ValidateRequest(ctx, reqInput); err != nil {
		return nil, errors.New(http.StatusUnprocessableEntity, errors.KindParse, "Invalid Request Parameters").
			WithDetails(err.Error())
	}

	args, gerr := buildArguments(route, pathParams, req.Query, body)
	if gerr != nil {
		return nil, gerr
	}
	params, err := json.Marshal(struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: route.Operation.OperationID, Arguments: args})
	if err != nil {
		return nil, errors.FromError(err)
	}
	env, err := json.Marshal(wire.Envelope{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.Quote(req.ID)),
		Method:  mcpwire.MethodToolsCall,
		Params:  params,
	})
	if err != nil {
		return nil, errors.FromError(err)
	}

	req.Body = exchange.Buffered(env)
	if err := mcpwire.Upgrade(req); err != nil {
		return nil, errors.FromError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	return &Invocation{
		OperationID: route.Operation.OperationID,
		route:       route,
		reqInput:    reqInput,
		status:      responseStatus(route.Operation),
	}, nil
}

// TranslateResponse shapes the MCP tool result into the REST response the
// matched operation declares. A backend error, a tool-level failure or a
// result that does not fit the declared response schema all surface as
// upstream faults.
func (t *Translator) TranslateResponse(ctx context.Context, inv *Invocation, resp *exchange.Response) (*exchange.Response, error) {
	data, err := exchange.ReadAll(ctx, resp.Body, 0)
	if err != nil {
		return nil, errors.ErrBadGateway.WithDetails(fmt.Sprintf("read tool result: %v", err))
	}

	payload, gerr := extractResult(data)
	if gerr != nil {
		return nil, gerr
	}
	if inv.status == http.StatusNoContent {
		return exchange.NewResponse(inv.status), nil
	}

	respInput := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: inv.reqInput,
		Status:                 inv.status,
		Header:                 http.Header{"Content-Type": []string{"application/json"}},
		Body:                   io.NopCloser(bytes.NewReader(payload)),
	}
	if err := openapi3filter.ValidateResponse(ctx, respInput); err != nil {
		return nil, errors.ErrBadGateway.
			WithDetails(fmt.Sprintf("tool result does not match the response schema of %s: %v", inv.OperationID, err))
	}

	out := exchange.NewResponse(inv.status)
	out.Header.Set("Content-Type", "application/json")
	out.Body = exchange.Buffered(payload)
	return out, nil
}

// OperationInfo describes one bridged operation.
type OperationInfo struct {
	ID      string
	Method  string
	Path    string
	Summary string
}

// Operations lists the document's operations sorted by operationId.
func (t *Translator) Operations() []OperationInfo {
	var ops []OperationInfo
	for path, item := range t.doc.Paths.Map() {
		for method, op := range item.Operations() {
			ops = append(ops, OperationInfo{
				ID:      op.OperationID,
				Method:  method,
				Path:    path,
				Summary: op.Summary,
			})
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return ops
}

// noopAuthFunc skips security-scheme checks. Authentication is the policy
// chain's concern, not the document's.
func noopAuthFunc(ctx context.Context, input *openapi3filter.AuthenticationInput) error {
	return nil
}

// restRequest rebuilds a plain HTTP request from the exchange for route
// matching and validation.
func restRequest(ctx context.Context, req *exchange.Request, body []byte) (*http.Request, error) {
	u := url.URL{Path: req.Path, RawQuery: req.Query.Encode()}
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	httpReq.Header = req.Header.Clone()
	httpReq.Host = req.Host
	if len(body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

// buildArguments assembles the tool argument object: request body fields
// first, then path and query parameters coerced to their declared types.
// Parameters win over body fields of the same name.
func buildArguments(route *routers.Route, pathParams map[string]string, query url.Values, body []byte) (json.RawMessage, *errors.GatewayError) {
	args := make(map[string]interface{})

	if len(body) > 0 {
		var obj map[string]interface{}
		if err := json.Unmarshal(body, &obj); err == nil {
			for k, v := range obj {
				args[k] = v
			}
		} else {
			var v interface{}
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, errors.New(http.StatusUnprocessableEntity, errors.KindParse, "Invalid Request Body").
					WithDetails("request body is not valid JSON")
			}
			args["body"] = v
		}
	}

	schemas := parameterSchemas(route)
	for name, raw := range pathParams {
		args[name] = coerce(raw, schemas["path:"+name])
	}
	for name, values := range query {
		schema := schemas["query:"+name]
		if schema != nil && schema.Value != nil && schema.Value.Type != nil && schema.Value.Type.Is("array") {
			items := make([]interface{}, 0, len(values))
			for _, v := range values {
				items = append(items, coerce(v, schema.Value.Items))
			}
			args[name] = items
			continue
		}
		if len(values) > 0 {
			args[name] = coerce(values[0], schema)
		}
	}

	out, err := json.Marshal(args)
	if err != nil {
		return nil, errors.FromError(err)
	}
	return out, nil
}

// parameterSchemas indexes the operation's parameter schemas by
// location:name. Operation-level parameters override path-item ones.
func parameterSchemas(route *routers.Route) map[string]*openapi3.SchemaRef {
	schemas := make(map[string]*openapi3.SchemaRef)
	collect := func(params openapi3.Parameters) {
		for _, ref := range params {
			if ref == nil || ref.Value == nil {
				continue
			}
			schemas[ref.Value.In+":"+ref.Value.Name] = ref.Value.Schema
		}
	}
	if route.PathItem != nil {
		collect(route.PathItem.Parameters)
	}
	if route.Operation != nil {
		collect(route.Operation.Parameters)
	}
	return schemas
}

// coerce converts a string parameter to its declared primitive type. The
// value already passed request validation, so a failed conversion just
// keeps the string form.
func coerce(raw string, schema *openapi3.SchemaRef) interface{} {
	if schema == nil || schema.Value == nil || schema.Value.Type == nil {
		return raw
	}
	t := schema.Value.Type
	switch {
	case t.Is("integer"):
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	case t.Is("number"):
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	case t.Is("boolean"):
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	}
	return raw
}

// responseStatus picks the status the REST client gets on success: the
// lowest 2xx the operation declares, 200 when it declares none.
func responseStatus(op *openapi3.Operation) int {
	best := 0
	if op.Responses != nil {
		for code := range op.Responses.Map() {
			n, err := strconv.Atoi(code)
			if err != nil || n < 200 || n > 299 {
				continue
			}
			if best == 0 || n < best {
				best = n
			}
		}
	}
	if best == 0 {
		return http.StatusOK
	}
	return best
}

// extractResult pulls the REST payload out of a tool call result. The
// preferred carrier is structuredContent; a single text content part is
// used as JSON when it parses, as a JSON string otherwise. Anything the
// backend reports as an error becomes an upstream fault.
func extractResult(data []byte) (json.RawMessage, *errors.GatewayError) {
	if !gjson.GetBytes(data, "jsonrpc").Exists() {
		// Dialect-translated backends answer without an envelope.
		return data, nil
	}
	if rpcErr := gjson.GetBytes(data, "error"); rpcErr.Exists() {
		return nil, errors.ErrBadGateway.
			WithDetails(fmt.Sprintf("backend error %d: %s", rpcErr.Get("code").Int(), rpcErr.Get("message").String()))
	}
	result := gjson.GetBytes(data, "result")
	if !result.Exists() {
		return nil, errors.ErrBadGateway.WithDetails("tool result missing")
	}
	if result.Get("isError").Bool() {
		return nil, errors.ErrBadGateway.WithDetails("tool failed: " + contentText(result))
	}
	if sc := result.Get("structuredContent"); sc.Exists() {
		return json.RawMessage(sc.Raw), nil
	}
	content := result.Get("content")
	if content.IsArray() {
		parts := content.Array()
		if len(parts) == 1 && parts[0].Get("type").String() == "text" {
			text := parts[0].Get("text").String()
			if json.Valid([]byte(text)) {
				return json.RawMessage(text), nil
			}
			quoted, _ := json.Marshal(text)
			return quoted, nil
		}
	}
	return json.RawMessage(result.Raw), nil
}

// contentText joins the text parts of a tool result for error details.
func contentText(result gjson.Result) string {
	var parts []string
	for _, c := range result.Get("content").Array() {
		if c.Get("type").String() == "text" {
			parts = append(parts, c.Get("text").String())
		}
	}
	if len(parts) == 0 {
		return "no detail"
	}
	return strings.Join(parts, " ")
}
