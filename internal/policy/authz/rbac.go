// Package authz implements role-based access control over authenticated
// exchanges.
package authz

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/policy"
)

func init() {
	policy.Register("rbac", newRBACStage)
}

type rbacParams struct {
	Rules []rbacRule `yaml:"rules"`
}

type rbacRule struct {
	Roles   []string `yaml:"roles"`   // "*" matches any authenticated principal
	Methods []string `yaml:"methods"` // HTTP verbs or RPC method patterns, empty = all
	Paths   []string `yaml:"paths"`   // doublestar patterns, empty = all
}

// RBACStage allows an exchange when at least one rule grants it. An
// exchange with no authenticated identity is rejected with 401; an
// authenticated exchange no rule covers is rejected with 403.
type RBACStage struct {
	name  string
	rules []rbacRule
}

func newRBACStage(name string, params map[string]interface{}, deps policy.Deps) (policy.Stage, error) {
	var p rbacParams
	if err := config.DecodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("rbac policy %s: %w", name, err)
	}
	if len(p.Rules) == 0 {
		return nil, fmt.Errorf("rbac policy %s: at least one rule required", name)
	}
	for i, rule := range p.Rules {
		if len(rule.Roles) == 0 {
			return nil, fmt.Errorf("rbac policy %s: rules[%d] needs roles", name, i)
		}
		for _, pat := range rule.Paths {
			if !doublestar.ValidatePattern(pat) {
				return nil, fmt.Errorf("rbac policy %s: rules[%d] invalid path pattern %q", name, i, pat)
			}
		}
	}
	return &RBACStage{name: name, rules: p.Rules}, nil
}

func (s *RBACStage) Name() string { return s.name }
func (s *RBACStage) Kind() string { return "rbac" }

func (s *RBACStage) ApplyRequest(ctx context.Context, req *exchange.Request) (*policy.Decision, error) {
	if req.Identity == nil {
		return policy.Reject(http.StatusUnauthorized, "authentication required"), nil
	}

	for _, rule := range s.rules {
		if rule.matches(req) {
			return policy.Allow(), nil
		}
	}
	return policy.Reject(http.StatusForbidden, "no role grants access"), nil
}

func (r rbacRule) matches(req *exchange.Request) bool {
	if !r.matchesRoles(req.Identity.Roles) {
		return false
	}
	if len(r.Methods) > 0 && !matchMethod(r.Methods, req.Method) {
		return false
	}
	if len(r.Paths) > 0 && !matchPath(r.Paths, req.Path) {
		return false
	}
	return true
}

func (r rbacRule) matchesRoles(roles []string) bool {
	for _, want := range r.Roles {
		if want == "*" {
			return true
		}
		for _, have := range roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// matchMethod compares case-insensitively and supports a trailing "*",
// so "tools/*" covers every tool RPC.
func matchMethod(patterns []string, method string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(strings.ToLower(method), strings.ToLower(strings.TrimSuffix(p, "*"))) {
				return true
			}
			continue
		}
		if strings.EqualFold(p, method) {
			return true
		}
	}
	return false
}

func matchPath(patterns []string, path string) bool {
	for _, p := range patterns {
		if matched, _ := doublestar.Match(p, path); matched {
			return true
		}
	}
	return false
}
