package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vango-dev/ordersync/pkg/session"
)

// Claims are the JWT claims of an ordersync access token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

// JWTConfig configures JWT verification and issuing.
type JWTConfig struct {
	// Secret is the HS256 signing key. Required.
	Secret []byte

	// Issuer, when set, is stamped on issued tokens and required on
	// verified ones.
	Issuer string

	// Audience, when set, is stamped on issued tokens and required on
	// verified ones.
	Audience string

	// TTL is the lifetime of issued tokens. Default: 12h.
	TTL time.Duration

	// Leeway tolerates clock skew on verification.
	Leeway time.Duration
}

// DefaultTokenTTL is the issued token lifetime when JWTConfig.TTL is zero.
const DefaultTokenTTL = 12 * time.Hour

// JWTVerifier validates HS256 access tokens.
type JWTVerifier struct {
	config JWTConfig
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for tokens signed with config.Secret.
func NewJWTVerifier(config JWTConfig) (*JWTVerifier, error) {
	if len(config.Secret) == 0 {
		return nil, errors.New("auth: JWT secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}
	if config.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(config.Leeway))
	}
	return &JWTVerifier{config: config, parser: jwt.NewParser(opts...)}, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrUnauthorized
	}
	var claims Claims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.config.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	role, ok := session.ParseRole(claims.Role)
	if !ok {
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrUnauthorized, claims.Role)
	}

	p := Principal{UserID: claims.Subject, Role: role, Name: claims.Name}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// Issuer mints HS256 access tokens. It backs the dev token command and
// tests; production tokens come from the backend's login endpoint.
type Issuer struct {
	config JWTConfig
	now    func() time.Time
}

// NewIssuer creates an issuer signing with config.Secret.
func NewIssuer(config JWTConfig) (*Issuer, error) {
	if len(config.Secret) == 0 {
		return nil, errors.New("auth: JWT secret is required")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTokenTTL
	}
	return &Issuer{config: config, now: time.Now}, nil
}

// Issue returns a signed token for identity and its expiry.
func (i *Issuer) Issue(identity session.Identity) (string, time.Time, error) {
	if !identity.Valid() {
		return "", time.Time{}, errors.New("auth: identity needs an id and a known role")
	}
	now := i.now().UTC()
	expiresAt := now.Add(i.config.TTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    i.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role: identity.Role.String(),
		Name: identity.DisplayName,
	}
	if i.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.config.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.config.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expiresAt, nil
}
