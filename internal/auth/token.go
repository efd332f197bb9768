// Package auth issues and verifies session tokens and implements the
// register/login/refresh account operations.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrAuth is the root of every authentication failure. Callers that only
// need to know "reject this connection" check errors.Is(err, ErrAuth).
var ErrAuth = errors.New("authentication failed")

var (
	ErrMissingToken     = fmt.Errorf("%w: token is required", ErrAuth)
	ErrInvalidToken     = fmt.Errorf("%w: invalid token", ErrAuth)
	ErrExpiredToken     = fmt.Errorf("%w: token expired", ErrAuth)
	ErrInactiveIdentity = fmt.Errorf("%w: user not found or deactivated", ErrAuth)
)

// Identity is the authenticated principal behind a token.
type Identity struct {
	UserID    string `json:"id"`
	Email     string `json:"email"`
	CompanyID string `json:"companyId"`
	Role      string `json:"role"`
	Name      string `json:"name"`
}

// Claims is the signed claim set carried by a session token.
type Claims struct {
	Email     string `json:"email"`
	CompanyID string `json:"companyId"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts verified claims into an Identity with UserID = sub.
func (c *Claims) Identity() Identity {
	return Identity{
		UserID:    c.Subject,
		Email:     c.Email,
		CompanyID: c.CompanyID,
		Role:      c.Role,
		Name:      c.Name,
	}
}

// Tokens signs and parses HS256 session tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// TokensOpts configures a Tokens codec.
type TokensOpts struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time // defaults to time.Now
}

// NewTokens validates opts and returns a token codec.
func NewTokens(opts TokensOpts) (*Tokens, error) {
	if opts.Secret == "" {
		return nil, fmt.Errorf("auth: secret is required")
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("auth: ttl must be positive")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tokens{secret: []byte(opts.Secret), ttl: opts.TTL, now: now}, nil
}

// Issue signs a token for id that expires after the configured TTL.
func (t *Tokens) Issue(id Identity) (string, error) {
	if id.UserID == "" || id.CompanyID == "" {
		return "", fmt.Errorf("auth: issue: user id and company id are required")
	}
	now := t.now()
	claims := Claims{
		Email:     id.Email,
		CompanyID: id.CompanyID,
		Role:      id.Role,
		Name:      id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return signed, nil
}

// Parse checks signature and expiry and returns the claims. It does not
// consult the user store.
func (t *Tokens) Parse(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.CompanyID == "" {
		return nil, fmt.Errorf("%w: missing sub or companyId", ErrInvalidToken)
	}
	return &claims, nil
}
