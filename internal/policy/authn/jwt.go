// Package authn implements the authentication policy stages: JWT bearer
// tokens (static keys or JWKS), API keys, and client-certificate identity.
package authn

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/policy"
)

func init() {
	policy.Register("jwt", newJWTStage)
}

type jwtParams struct {
	Secret      string        `yaml:"secret"`
	PublicKey   string        `yaml:"public_key"`
	Algorithm   string        `yaml:"algorithm"`
	Issuer      string        `yaml:"issuer"`
	Audience    []string      `yaml:"audience"`
	JWKSURL     string        `yaml:"jwks_url"`
	JWKSRefresh time.Duration `yaml:"jwks_refresh"`
	RolesClaim  string        `yaml:"roles_claim"`
	Optional    bool          `yaml:"optional"`
}

// JWTStage authenticates exchanges carrying a Bearer token.
type JWTStage struct {
	name       string
	keyFunc    jwt.Keyfunc
	issuer     string
	audience   []string
	rolesClaim string
	optional   bool
}

func newJWTStage(name string, params map[string]interface{}, deps policy.Deps) (policy.Stage, error) {
	var p jwtParams
	if err := config.DecodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("jwt policy %s: %w", name, err)
	}

	s := &JWTStage{
		name:       name,
		issuer:     p.Issuer,
		audience:   p.Audience,
		rolesClaim: p.RolesClaim,
		optional:   p.Optional,
	}
	if s.rolesClaim == "" {
		s.rolesClaim = "roles"
	}

	algorithm := p.Algorithm
	if algorithm == "" {
		algorithm = "HS256"
	}

	switch {
	case p.JWKSURL != "":
		provider, err := newJWKSProvider(p.JWKSURL, p.JWKSRefresh)
		if err != nil {
			return nil, fmt.Errorf("jwt policy %s: %w", name, err)
		}
		s.keyFunc = provider.keyFunc()

	case strings.HasPrefix(algorithm, "HS"):
		if p.Secret == "" {
			return nil, fmt.Errorf("jwt policy %s: secret required for %s", name, algorithm)
		}
		secret := []byte(p.Secret)
		s.keyFunc = func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		}

	case strings.HasPrefix(algorithm, "RS"):
		if p.PublicKey == "" {
			return nil, fmt.Errorf("jwt policy %s: public_key required for %s", name, algorithm)
		}
		block, _ := pem.Decode([]byte(p.PublicKey))
		if block == nil {
			return nil, fmt.Errorf("jwt policy %s: invalid PEM public key", name)
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt policy %s: parse public key: %w", name, err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("jwt policy %s: public key is not RSA", name)
		}
		s.keyFunc = func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return rsaPub, nil
		}

	default:
		return nil, fmt.Errorf("jwt policy %s: unsupported algorithm %s", name, algorithm)
	}

	return s, nil
}

func (s *JWTStage) Name() string { return s.name }
func (s *JWTStage) Kind() string { return "jwt" }

func (s *JWTStage) ApplyRequest(ctx context.Context, req *exchange.Request) (*policy.Decision, error) {
	tokenString := bearerToken(req.Header)
	if tokenString == "" {
		if s.optional {
			return policy.Allow(), nil
		}
		return policy.Reject(http.StatusUnauthorized, "bearer token not provided"), nil
	}

	token, err := jwt.Parse(tokenString, s.keyFunc)
	if err != nil {
		return policy.Reject(http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err)), nil
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return policy.Reject(http.StatusUnauthorized, "invalid token claims"), nil
	}

	if s.issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != s.issuer {
			return policy.Reject(http.StatusUnauthorized, "invalid token issuer"), nil
		}
	}
	if len(s.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !containsAny(aud, s.audience) {
			return policy.Reject(http.StatusUnauthorized, "invalid token audience"), nil
		}
	}

	sub, _ := claims.GetSubject()
	clientID := sub
	if clientID == "" {
		if cid, ok := claims["client_id"].(string); ok {
			clientID = cid
		}
	}

	claimsMap := make(map[string]interface{}, len(claims))
	for k, v := range claims {
		claimsMap[k] = v
	}

	req.Identity = &exchange.Identity{
		Subject:  sub,
		ClientID: clientID,
		Method:   "jwt",
		Roles:    rolesFromClaim(claims[s.rolesClaim]),
		Claims:   claimsMap,
	}
	return policy.Allow(), nil
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:]
	}
	return ""
}

func containsAny(got, want []string) bool {
	for _, g := range got {
		for _, w := range want {
			if g == w {
				return true
			}
		}
	}
	return false
}

// rolesFromClaim accepts either a list of role strings or a single
// space-separated string (OAuth scope style).
func rolesFromClaim(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		roles := make([]string, 0, len(t))
		for _, r := range t {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case []string:
		return t
	case string:
		return strings.Fields(t)
	}
	return nil
}
