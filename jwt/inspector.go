package jwt

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Inspector reads claims from access tokens held by a client.
//
// Clients usually do not hold the signing key, so by default the signature is not
// checked: the result is only used to schedule refreshes, never to grant access.
// When a verifying Manager is attached, tokens with a bad signature yield no expiry.
type Inspector struct {
	verifier *Manager
	parser   *jwt.Parser
}

// NewInspector returns an Inspector. verifier may be nil.
func NewInspector(verifier *Manager) *Inspector {
	return &Inspector{
		verifier: verifier,
		parser:   jwt.NewParser(),
	}
}

// Claims returns the claims of token without enforcing expiry.
func (i *Inspector) Claims(token string) (*Claims, error) {
	if i.verifier != nil {
		return i.verifier.ParseIgnoringExpiry(token)
	}
	claims := &Claims{}
	if _, _, err := i.parser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ExpiresAt returns the exp claim of token. ok is false for opaque tokens and
// tokens without exp.
func (i *Inspector) ExpiresAt(token string) (time.Time, bool) {
	claims, err := i.Claims(token)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
