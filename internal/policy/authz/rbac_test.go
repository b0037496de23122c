package authz

import (
	"context"
	"net/http"
	"testing"

	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/policy"
)

func buildStage(t *testing.T, rules []map[string]interface{}) policy.Stage {
	t.Helper()
	stage, err := policy.New("rbac", "acl", map[string]interface{}{"rules": rules}, policy.Deps{})
	if err != nil {
		t.Fatalf("build stage: %v", err)
	}
	return stage
}

func authedReq(roles []string, method, path string) *exchange.Request {
	req := exchange.New(exchange.ProtoHTTP)
	req.Method = method
	req.Path = path
	req.Identity = &exchange.Identity{Subject: "u", Roles: roles}
	return req
}

func TestRBACRequiresIdentity(t *testing.T) {
	stage := buildStage(t, []map[string]interface{}{
		{"roles": []string{"*"}},
	})

	d, err := stage.ApplyRequest(context.Background(), exchange.New(exchange.ProtoHTTP))
	if err != nil {
		t.Fatalf("ApplyRequest: %v", err)
	}
	if d.Op != policy.OpReject || d.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous exchange, got %d", d.Status)
	}
}

func TestRBACRules(t *testing.T) {
	stage := buildStage(t, []map[string]interface{}{
		{"roles": []string{"admin"}},
		{"roles": []string{"reader"}, "methods": []string{"GET", "tools/*"}, "paths": []string{"/v1/**"}},
	})

	cases := []struct {
		name   string
		req    *exchange.Request
		allow  bool
		status int
	}{
		{"admin anything", authedReq([]string{"admin"}, "DELETE", "/admin"), true, 0},
		{"reader get in scope", authedReq([]string{"reader"}, "GET", "/v1/models"), true, 0},
		{"reader tools rpc", authedReq([]string{"reader"}, "tools/call", "/v1/mcp"), true, 0},
		{"reader wrong verb", authedReq([]string{"reader"}, "POST", "/v1/models"), false, http.StatusForbidden},
		{"reader out of scope", authedReq([]string{"reader"}, "GET", "/admin"), false, http.StatusForbidden},
		{"no matching role", authedReq([]string{"guest"}, "GET", "/v1/models"), false, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := stage.ApplyRequest(context.Background(), tc.req)
			if err != nil {
				t.Fatalf("ApplyRequest: %v", err)
			}
			if tc.allow && d.Op != policy.OpAllow {
				t.Fatalf("expected allow, got %s", d.Reason)
			}
			if !tc.allow && (d.Op != policy.OpReject || d.Status != tc.status) {
				t.Fatalf("expected %d reject, got op=%v status=%d", tc.status, d.Op, d.Status)
			}
		})
	}
}

func TestRBACWildcardRole(t *testing.T) {
	stage := buildStage(t, []map[string]interface{}{
		{"roles": []string{"*"}, "paths": []string{"/public/**"}},
	})

	d, _ := stage.ApplyRequest(context.Background(), authedReq(nil, "GET", "/public/docs"))
	if d.Op != policy.OpAllow {
		t.Fatalf("wildcard role should cover any authenticated principal")
	}
}

func TestRBACValidation(t *testing.T) {
	if _, err := policy.New("rbac", "acl", map[string]interface{}{}, policy.Deps{}); err == nil {
		t.Fatalf("expected error without rules")
	}
	if _, err := policy.New("rbac", "acl", map[string]interface{}{
		"rules": []map[string]interface{}{{"roles": []string{}}},
	}, policy.Deps{}); err == nil {
		t.Fatalf("expected error for rule without roles")
	}
	if _, err := policy.New("rbac", "acl", map[string]interface{}{
		"rules": []map[string]interface{}{{"roles": []string{"a"}, "paths": []string{"[bad"}}},
	}, policy.Deps{}); err == nil {
		t.Fatalf("expected error for invalid path pattern")
	}
}
