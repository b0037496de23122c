// Package promptguard screens prompts before they reach a model and
// optionally scrubs completions on the way back. Rules are regular
// expressions or boolean expressions over the extracted prompt text.
package promptguard

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/agentwire/gateway/internal/aitext"
	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/logging"
	"github.com/agentwire/gateway/internal/policy"
)

func init() {
	policy.Register("prompt_guard", newPromptGuardStage)
}

type guardParams struct {
	Rules           []guardRuleParams `yaml:"rules"`
	MaxPromptLen    int               `yaml:"max_prompt_len"`
	ApplyToResponse bool              `yaml:"apply_to_response"`
}

type guardRuleParams struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"` // regular expression over the prompt text
	Expr    string `yaml:"expr"`    // boolean expression, alternative to pattern
	Action  string `yaml:"action"`  // block | redact | log
	Replace string `yaml:"replace"` // redact replacement, default [REDACTED]
}

// exprEnv is what rule expressions evaluate against.
type exprEnv struct {
	Text     string
	Size     int
	Method   string
	Path     string
	ClientID string
}

type guardRule struct {
	name    string
	re      *regexp.Regexp
	program *vm.Program
	action  string
	replace []byte
}

// GuardStage enforces prompt rules on requests and, when configured,
// redacts matching text from responses including streamed ones.
type GuardStage struct {
	name            string
	rules           []guardRule
	maxPromptLen    int
	applyToResponse bool
}

func newPromptGuardStage(name string, params map[string]interface{}, deps policy.Deps) (policy.Stage, error) {
	var p guardParams
	if err := config.DecodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("prompt_guard policy %s: %w", name, err)
	}
	if len(p.Rules) == 0 && p.MaxPromptLen == 0 {
		return nil, fmt.Errorf("prompt_guard policy %s: rules or max_prompt_len required", name)
	}

	s := &GuardStage{
		name:            name,
		maxPromptLen:    p.MaxPromptLen,
		applyToResponse: p.ApplyToResponse,
	}

	for i, rp := range p.Rules {
		rule := guardRule{name: rp.Name, action: rp.Action, replace: []byte(rp.Replace)}
		if rule.name == "" {
			rule.name = fmt.Sprintf("rule-%d", i)
		}
		if rule.action == "" {
			rule.action = "block"
		}
		switch rule.action {
		case "block", "redact", "log":
		default:
			return nil, fmt.Errorf("prompt_guard policy %s: rule %s: unknown action %q", name, rule.name, rule.action)
		}
		if len(rule.replace) == 0 {
			rule.replace = []byte("[REDACTED]")
		}

		switch {
		case rp.Pattern != "":
			re, err := regexp.Compile(rp.Pattern)
			if err != nil {
				return nil, fmt.Errorf("prompt_guard policy %s: rule %s: %w", name, rule.name, err)
			}
			rule.re = re
		case rp.Expr != "":
			if rule.action == "redact" {
				return nil, fmt.Errorf("prompt_guard policy %s: rule %s: redact needs a pattern", name, rule.name)
			}
			program, err := expr.Compile(rp.Expr, expr.Env(exprEnv{}), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("prompt_guard policy %s: rule %s: %w", name, rule.name, err)
			}
			rule.program = program
		default:
			return nil, fmt.Errorf("prompt_guard policy %s: rule %s: pattern or expr required", name, rule.name)
		}

		s.rules = append(s.rules, rule)
	}

	return s, nil
}

func (s *GuardStage) Name() string { return s.name }
func (s *GuardStage) Kind() string { return "prompt_guard" }

func (s *GuardStage) ApplyRequest(ctx context.Context, req *exchange.Request) (*policy.Decision, error) {
	buf, ok := req.Body.(*exchange.BufferedBody)
	if !ok || buf.Len() == 0 {
		return policy.Allow(), nil
	}

	text := aitext.FromJSON(buf.Bytes())
	if text == "" {
		return policy.Allow(), nil
	}

	if s.maxPromptLen > 0 && len(text) > s.maxPromptLen {
		return policy.Reject(http.StatusBadRequest, "prompt exceeds maximum length"), nil
	}

	env := exprEnv{
		Text:   text,
		Size:   buf.Len(),
		Method: req.Method,
		Path:   req.Path,
	}
	if req.Identity != nil {
		env.ClientID = req.Identity.ClientID
	}

	body := buf.Bytes()
	redacted := false
	for _, rule := range s.rules {
		matched, err := rule.matches(text, env)
		if err != nil {
			return nil, fmt.Errorf("prompt_guard rule %s: %w", rule.name, err)
		}
		if !matched {
			continue
		}

		switch rule.action {
		case "block":
			return policy.Reject(http.StatusBadRequest, fmt.Sprintf("prompt blocked by rule %s", rule.name)), nil
		case "redact":
			body = rule.re.ReplaceAll(body, rule.replace)
			redacted = true
		case "log":
			logging.Warn("prompt guard rule matched",
				zap.String("rule", rule.name),
				zap.String("request_id", req.ID),
			)
		}
	}

	if redacted {
		req.Body = exchange.Buffered(body)
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	}
	return policy.Allow(), nil
}

func (r guardRule) matches(text string, env exprEnv) (bool, error) {
	if r.re != nil {
		return r.re.MatchString(text), nil
	}
	out, err := expr.Run(r.program, env)
	if err != nil {
		return false, err
	}
	matched, _ := out.(bool)
	return matched, nil
}

// ApplyResponse redacts completion text. Buffered bodies are rewritten in
// place; streamed bodies are re-chunked through a scrubbing relay, with
// each pattern applied within chunk boundaries.
func (s *GuardStage) ApplyResponse(ctx context.Context, req *exchange.Request, resp *exchange.Response) error {
	if !s.applyToResponse {
		return nil
	}
	redactors := s.redactRules()
	if len(redactors) == 0 {
		return nil
	}

	switch body := resp.Body.(type) {
	case *exchange.BufferedBody:
		if body.Len() == 0 {
			return nil
		}
		data := body.Bytes()
		for _, rule := range redactors {
			data = rule.re.ReplaceAll(data, rule.replace)
		}
		resp.Body = exchange.Buffered(data)
	case *exchange.StreamBody:
		resp.Body = scrubStream(body, redactors)
	}
	return nil
}

func (s *GuardStage) redactRules() []guardRule {
	var rules []guardRule
	for _, rule := range s.rules {
		if rule.action == "redact" && rule.re != nil {
			rules = append(rules, rule)
		}
	}
	return rules
}

// scrubStream relays chunks through the redaction rules. Cancellation of
// the returned stream propagates back to the source.
func scrubStream(src *exchange.StreamBody, rules []guardRule) *exchange.StreamBody {
	dst := exchange.NewStream(4)
	go func() {
		ctx := context.Background()
		for chunk := range src.Chunks() {
			for _, rule := range rules {
				chunk.Data = rule.re.ReplaceAll(chunk.Data, rule.replace)
			}
			if err := dst.Send(ctx, chunk); err != nil {
				src.Cancel()
				exchange.Drain(src)
				return
			}
		}
		dst.Close(src.End())
	}()
	return dst
}
