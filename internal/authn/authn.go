// Package authn verifies inbound bearer tokens against the per-issuer
// configuration enumerated in spec.md §6 (authn.<issuer>.{audience,
// algorithm, key}). Authorization (the tenant-specific authz callout) stays
// an external collaborator per spec.md §1; this package only establishes who
// the caller claims to be.
package authn

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vstream/roomevents/internal/config"
	"github.com/vstream/roomevents/pkg/roomapi"
)

// Verifier validates bearer tokens issued by one or more trusted issuers.
type Verifier struct {
	issuers map[string]config.Authn
}

// NewVerifier builds a Verifier from the authn section of the service config.
func NewVerifier(issuers map[string]config.Authn) *Verifier {
	return &Verifier{issuers: issuers}
}

// Claims is the subset of the JWT claim set the service relies on.
type Claims struct {
	jwt.RegisteredClaims
	AgentLabel string `json:"agent_label"`
}

// VerifyToken validates tokenString against issuer's configured key and
// algorithm and returns the resulting AgentID.
func (v *Verifier) VerifyToken(issuer, tokenString string) (roomapi.AgentID, error) {
	cfg, ok := v.issuers[issuer]
	if !ok {
		return roomapi.AgentID{}, fmt.Errorf("authn: unknown issuer %q", issuer)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != cfg.Algorithm {
			return nil, fmt.Errorf("authn: unexpected signing method %q", t.Method.Alg())
		}
		return []byte(cfg.Key), nil
	}, jwt.WithAudience(cfg.Audience), jwt.WithIssuer(issuer))
	if err != nil {
		return roomapi.AgentID{}, fmt.Errorf("authn: verify token: %w", err)
	}

	return roomapi.AgentID{
		Label: claims.AgentLabel,
		AccountID: roomapi.AccountID{
			Label:    claims.Subject,
			Audience: cfg.Audience,
		},
	}, nil
}
