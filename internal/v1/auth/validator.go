// Package auth validates the tokens guarding the world's administrative
// surface: HS256 tokens minted with the shared secret, optional JWKS-issued
// tokens, and the intra-cluster shard secret header.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// AdminClaims are the claims carried by world administration tokens. A token
// authorizes a world when its Worlds array contains that world's id.
type AdminClaims struct {
	Worlds []string `json:"worlds"`
	jwt.RegisteredClaims
}

// AuthorizesWorld reports whether the claims grant access to worldID.
func (c *AdminClaims) AuthorizesWorld(worldID string) bool {
	for _, w := range c.Worlds {
		if w == worldID {
			return true
		}
	}
	return false
}

// TokenValidator validates an admin token string into claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*AdminClaims, error)
}

// HS256Validator validates tokens signed with the shared AUTH_JWT_SECRET.
type HS256Validator struct {
	secret []byte
}

// NewHS256Validator creates a validator over the shared secret.
func NewHS256Validator(secret string) *HS256Validator {
	return &HS256Validator{secret: []byte(secret)}
}

// ValidateToken parses and validates an HS256 token, returning its claims.
func (v *HS256Validator) ValidateToken(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to AdminClaims")
	}

	return claims, nil
}

// IssueToken mints an HS256 admin token for the given worlds. Used by
// operator tooling and tests.
func (v *HS256Validator) IssueToken(worlds []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &AdminClaims{
		Worlds: worlds,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// JWKSValidator validates externally minted admin tokens against a JWKS
// endpoint, for deployments where admin tokens come from an identity
// provider instead of the shared secret.
type JWKSValidator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewJWKSValidator registers the domain's JWKS endpoint with a refreshing
// cache and verifies initial connectivity.
func NewJWKSValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*JWKSValidator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch the keys for the first time to ensure connectivity.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
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

	return &JWKSValidator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

// ValidateToken parses and validates a JWKS-signed token.
func (v *JWKSValidator) ValidateToken(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to AdminClaims")
	}

	return claims, nil
}

// ChainValidator tries each validator in order and returns the first success.
type ChainValidator []TokenValidator

func (c ChainValidator) ValidateToken(tokenString string) (*AdminClaims, error) {
	var lastErr error
	for _, v := range c {
		claims, err := v.ValidateToken(tokenString)
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no validators configured")
	}
	return nil, lastErr
}
