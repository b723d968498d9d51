// Package auth verifies the identity a socket presents at connect time.
// Signed ID tokens are validated against the issuer's JWKS; bare opaque
// strings fall through to the guest path decided by the transport layer.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/pairplay/matchmaking/internal/v1/logging"
)

// firebaseJWKSURL serves the rotating signing certs for Firebase ID tokens.
const firebaseJWKSURL = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

// IdentityClaims are the claims the broker cares about on a validated
// ID token.
type IdentityClaims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator is what the transport layer depends on: the production
// Validator and the development MockValidator both satisfy it.
type TokenValidator interface {
	ValidateToken(tokenString string) (*IdentityClaims, error)
}

// Validator validates Firebase-style ID tokens against the project's
// issuer, audience, and signing keys.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewValidator builds a Validator for the given Firebase project. The
// JWKS endpoint is registered with a refreshing cache and fetched once up
// front to ensure connectivity. Additional jwk.RegisterOption values are
// accepted for testability.
func NewValidator(ctx context.Context, projectID string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	if projectID == "" {
		return nil, errors.New("auth: project id is required")
	}

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(firebaseJWKSURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	if _, err := cache.Refresh(ctx, firebaseJWKSURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, firebaseJWKSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   "https://securetoken.google.com/" + projectID,
		audience: projectID,
	}, nil
}

// ValidateToken parses and validates an ID token, returning its claims.
// The subject claim is the authenticated uid.
func (v *Validator) ValidateToken(tokenString string) (*IdentityClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok {
		return nil, errors.New("failed to cast token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token carries no subject")
	}

	return claims, nil
}

// LooksLikeToken reports whether credential is shaped like a signed JWT
// rather than a bare uid. Bare strings take the guest path.
func LooksLikeToken(credential string) bool {
	return strings.Count(credential, ".") == 2
}

// GetAllowedOriginsFromEnv reads a comma-separated origin allowlist from
// the environment, falling back to defaults for local development.
func GetAllowedOriginsFromEnv(envVarName string, defaultOrigins []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(),
			fmt.Sprintf("%s not set, using default development origins", envVarName),
			zap.Strings("origins", defaultOrigins))
		return defaultOrigins
	}
	return strings.Split(originsStr, ",")
}

// MockValidator is a development-only validator that trusts the token's
// payload without verifying its signature.
type MockValidator struct{}

// ValidateToken decodes the unverified payload so the uid matches what
// the client believes it is.
func (m *MockValidator) ValidateToken(tokenString string) (*IdentityClaims, error) {
	claims := &IdentityClaims{}

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			var raw map[string]interface{}
			if json.Unmarshal(payload, &raw) == nil {
				if sub, ok := raw["sub"].(string); ok {
					claims.Subject = sub
				}
				if n, ok := raw["name"].(string); ok {
					claims.Name = n
				}
				if e, ok := raw["email"].(string); ok {
					claims.Email = e
				}
			}
		}
	}

	if claims.Subject == "" {
		claims.Subject = "dev-user-123"
	}
	return claims, nil
}
