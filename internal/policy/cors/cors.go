// Package cors answers browser preflight requests at the gateway and
// decorates responses with the matching allow headers.
package cors

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/policy"
)

func init() {
	policy.Register("cors", newCORSStage)
}

type corsParams struct {
	AllowOrigins        []string `yaml:"allow_origins"`
	AllowOriginPatterns []string `yaml:"allow_origin_patterns"`
	AllowMethods        []string `yaml:"allow_methods"`
	AllowHeaders        []string `yaml:"allow_headers"`
	ExposeHeaders       []string `yaml:"expose_headers"`
	AllowCredentials    bool     `yaml:"allow_credentials"`
	MaxAge              int      `yaml:"max_age"`
}

// CORSStage short-circuits preflight requests with a synthesized 204 and
// stamps allow headers onto regular responses on the way out.
type CORSStage struct {
	name                string
	allowOrigins        []string
	allowOriginPatterns []*regexp.Regexp
	allowMethods        string
	allowHeaders        string
	exposeHeaders       string
	allowCredentials    bool
	maxAge              string
	allowAllOrigins     bool
}

func newCORSStage(name string, params map[string]interface{}, deps policy.Deps) (policy.Stage, error) {
	var p corsParams
	if err := config.DecodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("cors policy %s: %w", name, err)
	}

	s := &CORSStage{
		name:             name,
		allowOrigins:     p.AllowOrigins,
		allowCredentials: p.AllowCredentials,
	}

	for _, pattern := range p.AllowOriginPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("cors policy %s: origin pattern %q: %w", name, pattern, err)
		}
		s.allowOriginPatterns = append(s.allowOriginPatterns, re)
	}

	if len(p.AllowMethods) > 0 {
		s.allowMethods = strings.Join(p.AllowMethods, ", ")
	} else {
		s.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}
	if len(p.AllowHeaders) > 0 {
		s.allowHeaders = strings.Join(p.AllowHeaders, ", ")
	} else {
		s.allowHeaders = "Content-Type, Authorization, X-API-Key"
	}
	if len(p.ExposeHeaders) > 0 {
		s.exposeHeaders = strings.Join(p.ExposeHeaders, ", ")
	}
	if p.MaxAge > 0 {
		s.maxAge = strconv.Itoa(p.MaxAge)
	} else {
		s.maxAge = "86400"
	}

	for _, o := range p.AllowOrigins {
		if o == "*" {
			s.allowAllOrigins = true
			break
		}
	}

	return s, nil
}

func (s *CORSStage) Name() string { return s.name }
func (s *CORSStage) Kind() string { return "cors" }

func (s *CORSStage) ApplyRequest(ctx context.Context, req *exchange.Request) (*policy.Decision, error) {
	if !isPreflight(req) {
		return policy.Allow(), nil
	}

	resp := exchange.NewResponse(http.StatusNoContent)
	origin := req.Header.Get("Origin")
	if s.isOriginAllowed(origin) {
		respOrigin := origin
		if s.allowAllOrigins && !s.allowCredentials {
			respOrigin = "*"
		}
		resp.Header.Set("Access-Control-Allow-Origin", respOrigin)
		resp.Header.Set("Access-Control-Allow-Methods", s.allowMethods)
		resp.Header.Set("Access-Control-Allow-Headers", s.allowHeaders)
		if s.allowCredentials {
			resp.Header.Set("Access-Control-Allow-Credentials", "true")
		}
		resp.Header.Set("Access-Control-Max-Age", s.maxAge)
	}
	resp.Header.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	return policy.Respond(resp), nil
}

func (s *CORSStage) ApplyResponse(ctx context.Context, req *exchange.Request, resp *exchange.Response) error {
	origin := req.Header.Get("Origin")
	if origin == "" || !s.isOriginAllowed(origin) {
		return nil
	}

	respOrigin := origin
	if s.allowAllOrigins && !s.allowCredentials {
		respOrigin = "*"
	}
	resp.Header.Set("Access-Control-Allow-Origin", respOrigin)
	if s.allowCredentials {
		resp.Header.Set("Access-Control-Allow-Credentials", "true")
	}
	if s.exposeHeaders != "" {
		resp.Header.Set("Access-Control-Expose-Headers", s.exposeHeaders)
	}
	resp.Header.Add("Vary", "Origin")
	return nil
}

func isPreflight(req *exchange.Request) bool {
	return req.Method == http.MethodOptions &&
		req.Header.Get("Origin") != "" &&
		req.Header.Get("Access-Control-Request-Method") != ""
}

func (s *CORSStage) isOriginAllowed(origin string) bool {
	if s.allowAllOrigins {
		return true
	}
	for _, allowed := range s.allowOrigins {
		if allowed == origin {
			return true
		}
		if strings.HasPrefix(allowed, "*.") {
			if strings.HasSuffix(origin, allowed[1:]) {
				return true
			}
		}
	}
	for _, re := range s.allowOriginPatterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}
