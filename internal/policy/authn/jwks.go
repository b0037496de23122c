package authn

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// jwksProvider fetches and caches a remote JSON Web Key Set, refreshing
// it in the background.
type jwksProvider struct {
	cache *jwk.Cache
	url   string
}

func newJWKSProvider(url string, refresh time.Duration) (*jwksProvider, error) {
	if refresh <= 0 {
		refresh = time.Hour
	}

	ctx := context.Background()
	cache := jwk.NewCache(ctx)
	if err := cache.Register(url, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}
	// Fetch once now so a bad URL fails the snapshot build, not traffic.
	if _, err := cache.Refresh(ctx, url); err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", url, err)
	}

	return &jwksProvider{cache: cache, url: url}, nil
}

func (p *jwksProvider) keyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		keySet, err := p.cache.Get(ctx, p.url)
		if err != nil {
			return nil, fmt.Errorf("get JWKS: %w", err)
		}

		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			if keySet.Len() == 0 {
				return nil, fmt.Errorf("no kid in token header and no keys in JWKS")
			}
			key, _ := keySet.Key(0)
			var raw interface{}
			if err := key.Raw(&raw); err != nil {
				return nil, fmt.Errorf("extract raw key: %w", err)
			}
			return raw, nil
		}

		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key %q not found in JWKS", kid)
		}
		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("extract raw key for kid %q: %w", kid, err)
		}
		return raw, nil
	}
}
