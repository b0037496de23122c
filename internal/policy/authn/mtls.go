package authn

import (
	"context"
	"fmt"
	"net/http"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/policy"
)

func init() {
	policy.Register("mtls", newMTLSStage)
}

type mtlsParams struct {
	AllowedCNs  []string `yaml:"allowed_cns"`
	RolesFromOU bool     `yaml:"roles_from_ou"`
}

// MTLSStage derives identity from the verified client certificate. The
// listener performs the actual TLS verification; this stage requires that
// a certificate was presented and optionally pins the subject CN.
type MTLSStage struct {
	name        string
	allowedCNs  map[string]struct{}
	rolesFromOU bool
}

func newMTLSStage(name string, params map[string]interface{}, deps policy.Deps) (policy.Stage, error) {
	var p mtlsParams
	if err := config.DecodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("mtls policy %s: %w", name, err)
	}

	s := &MTLSStage{name: name, rolesFromOU: p.RolesFromOU}
	if len(p.AllowedCNs) > 0 {
		s.allowedCNs = make(map[string]struct{}, len(p.AllowedCNs))
		for _, cn := range p.AllowedCNs {
			s.allowedCNs[cn] = struct{}{}
		}
	}
	return s, nil
}

func (s *MTLSStage) Name() string { return s.name }
func (s *MTLSStage) Kind() string { return "mtls" }

func (s *MTLSStage) ApplyRequest(ctx context.Context, req *exchange.Request) (*policy.Decision, error) {
	if req.TLS == nil || len(req.TLS.PeerCertificates) == 0 {
		return policy.Reject(http.StatusUnauthorized, "client certificate required"), nil
	}

	cert := req.TLS.PeerCertificates[0]
	cn := cert.Subject.CommonName

	if s.allowedCNs != nil {
		if _, ok := s.allowedCNs[cn]; !ok {
			return policy.Reject(http.StatusForbidden, fmt.Sprintf("certificate subject %q not allowed", cn)), nil
		}
	}

	identity := &exchange.Identity{
		Subject:  cn,
		ClientID: cn,
		Method:   "mtls",
		Claims: map[string]interface{}{
			"common_name": cn,
			"dns_names":   cert.DNSNames,
			"issuer":      cert.Issuer.CommonName,
		},
	}
	if s.rolesFromOU {
		identity.Roles = cert.Subject.OrganizationalUnit
	}

	req.Identity = identity
	return policy.Allow(), nil
}
