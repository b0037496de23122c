package mcpwire

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentwire/gateway/internal/errors"
)

// Tool is one entry of an MCP tool catalog.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	compiled *jsonschema.Schema
}

// Catalog holds a route's declared tools with compiled input schemas.
// Immutable after construction.
type Catalog struct {
	tools map[string]*Tool
	names []string
}

// catalogFile matches the tools/list result shape, so a captured backend
// response works verbatim as a catalog file.
type catalogFile struct {
	Tools []Tool `json:"tools"`
}

// LoadCatalog reads a tool catalog from a JSON file. Accepts either a
// {"tools": [...]} document or a bare tool array.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalog: %w", err)
	}
	var doc catalogFile
	if objErr := json.Unmarshal(data, &doc); objErr != nil {
		var bare []Tool
		if arrErr := json.Unmarshal(data, &bare); arrErr != nil {
			return nil, fmt.Errorf("parse tool catalog %s: %w", path, objErr)
		}
		doc.Tools = bare
	}
	if len(doc.Tools) == 0 {
		return nil, fmt.Errorf("tool catalog %s declares no tools", path)
	}
	return NewCatalog(doc.Tools)
}

// NewCatalog builds a catalog, compiling each tool's input schema.
func NewCatalog(tools []Tool) (*Catalog, error) {
	c := &Catalog{tools: make(map[string]*Tool, len(tools))}
	for i := range tools {
		t := tools[i]
		if t.Name == "" {
			return nil, fmt.Errorf("tool %d: missing name", i)
		}
		if _, dup := c.tools[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		if len(t.InputSchema) > 0 {
			compiled, err := compileSchema(t.Name, t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %q: %w", t.Name, err)
			}
			t.compiled = compiled
		}
		c.tools[t.Name] = &t
		c.names = append(c.names, t.Name)
	}
	return c, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse input schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	res := "tool-" + name + ".json"
	if err := c.AddResource(res, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(res)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return schema, nil
}

// Tool returns the named tool.
func (c *Catalog) Tool(name string) (*Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Names returns tool names in declaration order.
func (c *Catalog) Names() []string { return c.names }

// Len returns the number of tools.
func (c *Catalog) Len() int { return len(c.tools) }

// Validate checks a tools/call argument object against the named tool's
// input schema. Unknown tools and schema violations are client faults that
// map to the JSON-RPC invalid-params code.
func (c *Catalog) Validate(name string, args json.RawMessage) error {
	t, ok := c.tools[name]
	if !ok {
		return errors.New(http.StatusUnprocessableEntity, errors.KindParse, "Invalid Tool Arguments").
			WithDetails(fmt.Sprintf("unknown tool %q", name))
	}
	if t.compiled == nil {
		return nil
	}
	var data interface{}
	if len(args) == 0 {
		data = map[string]interface{}{}
	} else if err := json.Unmarshal(args, &data); err != nil {
		return errors.New(http.StatusUnprocessableEntity, errors.KindParse, "Invalid Tool Arguments").
			WithDetails(fmt.Sprintf("arguments not valid JSON: %v", err))
	}
	if err := t.compiled.Validate(data); err != nil {
		return errors.New(http.StatusUnprocessableEntity, errors.KindParse, "Invalid Tool Arguments").
			WithDetails(err.Error())
	}
	return nil
}
