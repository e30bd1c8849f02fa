// Package auth validates bearer tokens against an external identity
// provider's JWKS endpoint. The token subject becomes the user id that
// scopes every memory the runtime stores.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/aurelian-labs/aurelius/pkg/config"
	"github.com/aurelian-labs/aurelius/pkg/fault"
)

// jwksRefreshInterval bounds how often rotated keys are re-fetched.
const jwksRefreshInterval = 15 * time.Minute

// Claims are the validated identity claims of a request.
type Claims struct {
	Subject string         `json:"sub"`
	Email   string         `json:"email,omitempty"`
	Name    string         `json:"name,omitempty"`
	Custom  map[string]any `json:"-"`
}

type contextKey string

const claimsContextKey contextKey = "aurelius_auth_claims"

// ClaimsFromContext extracts validated claims, or nil when the request
// was not authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}

// ContextWithClaims returns a context carrying the given claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// Validator validates JWT bearer tokens using a cached, auto-refreshed
// JWKS key set.
type Validator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewValidator fetches the JWKS once to fail fast on bad configuration,
// then refreshes it in the background to pick up key rotation.
func NewValidator(jwksURL, issuer, audience string) (*Validator, error) {
	ctx := context.Background()

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(jwksRefreshInterval)); err != nil {
		return nil, fault.Wrap(err, fault.KindConfig, "failed to register JWKS URL")
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fault.Wrap(err, fault.KindConfig, "failed to fetch JWKS from %s", jwksURL)
	}

	return &Validator{
		jwksURL:  jwksURL,
		cache:    cache,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// NewValidatorFromConfig builds a validator, or nil when auth is disabled
// (empty jwks_url).
func NewValidatorFromConfig(cfg config.Auth) (*Validator, error) {
	if cfg.JWKSURL == "" {
		return nil, nil
	}
	return NewValidator(cfg.JWKSURL, cfg.Issuer, cfg.Audience)
}

// Validate checks signature, expiry, issuer and audience, and extracts
// the claims the runtime cares about.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindTransient, "failed to get JWKS")
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindUnauthorized, "invalid token")
	}

	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]any),
	}
	if claims.Subject == "" {
		return nil, fault.New(fault.KindUnauthorized, "token has no subject")
	}
	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			claims.Email = s
		}
	}
	if name, ok := token.Get("name"); ok {
		if s, ok := name.(string); ok {
			claims.Name = s
		}
	}
	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key := pair.Key.(string)
		switch key {
		case "sub", "email", "name", "iss", "aud", "exp", "iat", "nbf":
		default:
			claims.Custom[key] = pair.Value
		}
	}
	return claims, nil
}

// Middleware enforces bearer authentication on every request and stores
// the claims in the request context. A nil validator (auth disabled)
// falls back to the X-User-ID header so local setups need no provider.
func Middleware(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				userID := r.Header.Get("X-User-ID")
				if userID == "" {
					unauthorized(w, "missing X-User-ID header")
					return
				}
				ctx := ContextWithClaims(r.Context(), &Claims{Subject: userID})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, "missing Authorization header")
				return
			}
			tokenString := strings.TrimPrefix(header, "Bearer ")
			if tokenString == header {
				unauthorized(w, "expected: Bearer <token>")
				return
			}

			claims, err := v.Validate(r.Context(), tokenString)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			ctx := ContextWithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
