package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/deskchat/deskchat/internal/models"
	"gorm.io/gorm"
)

// Verifier turns a raw bearer token into an Identity. A token that passes
// signature and expiry checks is still rejected when its user no longer
// exists, has been deactivated, or has moved to another company.
type Verifier struct {
	tokens *Tokens
	db     *gorm.DB
}

// NewVerifier returns a Verifier. db may be nil, in which case only the
// token itself is checked.
func NewVerifier(tokens *Tokens, db *gorm.DB) (*Verifier, error) {
	if tokens == nil {
		return nil, fmt.Errorf("auth: tokens is required")
	}
	return &Verifier{tokens: tokens, db: db}, nil
}

// Verify validates raw and returns the authenticated identity.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	claims, err := v.tokens.Parse(raw)
	if err != nil {
		return nil, err
	}
	id := claims.Identity()
	if v.db == nil {
		return &id, nil
	}

	var u models.User
	err = v.db.WithContext(ctx).Where("id = ?", id.UserID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInactiveIdentity
	}
	if err != nil {
		return nil, fmt.Errorf("auth: verify: load user: %w", err)
	}
	if !u.Active || u.CompanyID != id.CompanyID {
		return nil, ErrInactiveIdentity
	}
	id.Name = u.Name
	id.Email = u.Email
	id.Role = u.Role
	return &id, nil
}

// Handshake holds the token candidates found on a connection attempt.
type Handshake struct {
	Explicit string // token sent in an explicit auth payload
	Query    string // ?token=
	Header   string // raw Authorization header value
}

// HandshakeFromRequest collects the query and header candidates from an
// HTTP upgrade request.
func HandshakeFromRequest(r *http.Request) Handshake {
	return Handshake{
		Query:  r.URL.Query().Get("token"),
		Header: r.Header.Get("Authorization"),
	}
}

// ExtractToken returns the first non-empty token in priority order:
// explicit payload, query parameter, then Authorization bearer header.
func ExtractToken(h Handshake) string {
	if t := strings.TrimSpace(h.Explicit); t != "" {
		return t
	}
	if t := strings.TrimSpace(h.Query); t != "" {
		return t
	}
	return BearerToken(h.Header)
}

// BearerToken strips the "Bearer " scheme from an Authorization header.
func BearerToken(header string) string {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
