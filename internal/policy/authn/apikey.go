package authn

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/policy"
)

func init() {
	policy.Register("api_key", newAPIKeyStage)
}

type apiKeyParams struct {
	Header     string        `yaml:"header"`
	QueryParam string        `yaml:"query_param"`
	Keys       []apiKeyEntry `yaml:"keys"`
	Optional   bool          `yaml:"optional"`
}

type apiKeyEntry struct {
	Key    string   `yaml:"key"`  // plaintext key
	Hash   string   `yaml:"hash"` // bcrypt hash, alternative to key
	Client string   `yaml:"client"`
	Roles  []string `yaml:"roles"`
}

// APIKeyStage authenticates exchanges by a shared key carried in a header
// or query parameter. Keys may be listed in plaintext or as bcrypt hashes.
type APIKeyStage struct {
	name       string
	header     string
	queryParam string
	plain      map[string]apiKeyEntry
	hashed     []apiKeyEntry
	dummyHash  []byte // timing-safe comparison for unknown keys
	optional   bool
}

func newAPIKeyStage(name string, params map[string]interface{}, deps policy.Deps) (policy.Stage, error) {
	var p apiKeyParams
	if err := config.DecodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("api_key policy %s: %w", name, err)
	}
	if len(p.Keys) == 0 {
		return nil, fmt.Errorf("api_key policy %s: at least one key required", name)
	}

	s := &APIKeyStage{
		name:       name,
		header:     p.Header,
		queryParam: p.QueryParam,
		plain:      make(map[string]apiKeyEntry),
		optional:   p.Optional,
	}
	if s.header == "" && s.queryParam == "" {
		s.header = "X-API-Key"
	}

	for i, entry := range p.Keys {
		switch {
		case entry.Key != "":
			s.plain[entry.Key] = entry
		case entry.Hash != "":
			s.hashed = append(s.hashed, entry)
		default:
			return nil, fmt.Errorf("api_key policy %s: keys[%d] needs key or hash", name, i)
		}
	}

	// Pre-compute a dummy hash so bcrypt runs even for unknown keys,
	// preventing timing-based key probing.
	s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy"), bcrypt.DefaultCost)

	return s, nil
}

func (s *APIKeyStage) Name() string { return s.name }
func (s *APIKeyStage) Kind() string { return "api_key" }

func (s *APIKeyStage) ApplyRequest(ctx context.Context, req *exchange.Request) (*policy.Decision, error) {
	key := s.extractKey(req)
	if key == "" {
		if s.optional {
			return policy.Allow(), nil
		}
		return policy.Reject(http.StatusUnauthorized, "API key not provided"), nil
	}

	entry, ok := s.lookup(key)
	if !ok {
		return policy.Reject(http.StatusUnauthorized, "invalid API key"), nil
	}

	req.Identity = &exchange.Identity{
		Subject:  entry.Client,
		ClientID: entry.Client,
		Method:   "api_key",
		Roles:    entry.Roles,
		Claims:   map[string]interface{}{"client_id": entry.Client},
	}
	return policy.Allow(), nil
}

func (s *APIKeyStage) extractKey(req *exchange.Request) string {
	if s.header != "" {
		if key := req.Header.Get(s.header); key != "" {
			return key
		}
	}
	if s.queryParam != "" {
		if key := req.Query.Get(s.queryParam); key != "" {
			return key
		}
	}
	return ""
}

func (s *APIKeyStage) lookup(key string) (apiKeyEntry, bool) {
	if entry, ok := s.plain[key]; ok {
		return entry, true
	}
	for _, entry := range s.hashed {
		if bcrypt.CompareHashAndPassword([]byte(entry.Hash), []byte(key)) == nil {
			return entry, true
		}
	}
	bcrypt.CompareHashAndPassword(s.dummyHash, []byte(key))
	return apiKeyEntry{}, false
}
