// Package credentials mints and caches per-user OAuth2 access tokens using a
// service account with domain-wide delegation.
package credentials

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
	admin "google.golang.org/api/admin/directory/v1"

	"github.com/google/googleapps-message-recall/internal/cache"
	"github.com/google/googleapps-message-recall/internal/model"
)

// ScopeMail grants IMAP access.
const ScopeMail = "https://mail.google.com/"

// DefaultScopes covers mailbox access and directory reads.
var DefaultScopes = []string{ScopeMail, admin.AdminDirectoryUserReadonlyScope}

// TokenCache is the subset of the shared cache used for tokens.
type TokenCache interface {
	Get(namespace, key string) (interface{}, bool)
	Set(namespace, key string, value interface{}, ttl time.Duration)
	Add(namespace, key string, value interface{}, ttl time.Duration) error
	Delete(namespace, key string)
}

// Minter obtains a fresh token acting as email.
type Minter interface {
	Mint(ctx context.Context, email string) (*oauth2.Token, error)
}

// ServiceAccountMinter impersonates domain users through a service account
// JSON key.
type ServiceAccountMinter struct {
	key    []byte
	scopes []string
}

func NewServiceAccountMinter(keyFile string, scopes ...string) (*ServiceAccountMinter, error) {
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account key: %w", err)
	}
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	if _, err := google.JWTConfigFromJSON(key, scopes...); err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	return &ServiceAccountMinter{key: key, scopes: scopes}, nil
}

func (m *ServiceAccountMinter) Mint(ctx context.Context, email string) (*oauth2.Token, error) {
	conf, err := google.JWTConfigFromJSON(m.key, m.scopes...)
	if err != nil {
		return nil, err
	}
	conf.Subject = email
	return conf.TokenSource(ctx).Token()
}

// Provider hands out cached access tokens.
type Provider struct {
	minter Minter
	cache  TokenCache
	ttl    time.Duration
	log    logrus.FieldLogger
	group  singleflight.Group
}

func NewProvider(minter Minter, c TokenCache, ttl time.Duration, log logrus.FieldLogger) *Provider {
	if ttl <= 0 {
		ttl = 59 * time.Minute
	}
	return &Provider{minter: minter, cache: c, ttl: ttl, log: log}
}

// AccessToken returns a bearer token for email. forceRefresh mints a new
// token and replaces any cached one. Concurrent callers in this process share one mint;
// losing the cache seeding race to another process is an ErrCacheRace.
func (p *Provider) AccessToken(ctx context.Context, email string, forceRefresh bool) (string, error) {
	tok, err := p.token(ctx, email, forceRefresh)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (p *Provider) token(ctx context.Context, email string, forceRefresh bool) (*oauth2.Token, error) {
	if !forceRefresh {
		if tok, ok := p.cached(email); ok {
			return tok, nil
		}
	}

	v, err, _ := p.group.Do(fmt.Sprintf("%s|%t", email, forceRefresh), func() (interface{}, error) {
		if !forceRefresh {
			if tok, ok := p.cached(email); ok {
				return tok, nil
			}
		}

		minted, err := p.minter.Mint(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("failed to mint access token for %s: %w: %w", email, model.ErrAuthentication, err)
		}

		// Never hold a token past the expiry the issuer gave it.
		ttl := p.ttl
		expiry := time.Now().Add(ttl)
		if !minted.Expiry.IsZero() && minted.Expiry.Before(expiry) {
			expiry = minted.Expiry
			ttl = time.Until(expiry)
		}
		if ttl < time.Second {
			ttl = time.Second
		}
		tok := &oauth2.Token{AccessToken: minted.AccessToken, TokenType: "Bearer", Expiry: expiry}
		if forceRefresh {
			p.cache.Set(cache.NamespaceAccessToken, email, tok, ttl)
		} else if err := p.cache.Add(cache.NamespaceAccessToken, email, tok, ttl); err != nil {
			return nil, err
		}
		p.log.WithFields(logrus.Fields{"user": email, "forced": forceRefresh, "expiry": expiry}).Debug("Minted access token")
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (p *Provider) cached(email string) (*oauth2.Token, bool) {
	v, ok := p.cache.Get(cache.NamespaceAccessToken, email)
	if !ok {
		return nil, false
	}
	tok, ok := v.(*oauth2.Token)
	if !ok || tok.AccessToken == "" {
		return nil, false
	}
	return tok, true
}

// TokenSource adapts the provider for API clients acting as email.
func (p *Provider) TokenSource(ctx context.Context, email string) oauth2.TokenSource {
	return &providerTokenSource{ctx: ctx, provider: p, email: email}
}

type providerTokenSource struct {
	ctx      context.Context
	provider *Provider
	email    string
}

func (s *providerTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.provider.token(s.ctx, s.email, false)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok.AccessToken, TokenType: "Bearer", Expiry: tok.Expiry}, nil
}
