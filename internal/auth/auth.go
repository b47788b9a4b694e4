// Package auth implements the Access Controller (C8): bearer token parsing,
// master-key fast path, JWT envelope decoding, permission intersection, and
// publishing the authenticated identity into the request context.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opengatellm/gateway/internal/registry"
	"github.com/opengatellm/gateway/internal/reqctx"
)

// DeniedError signals any authentication or authorization failure. All of
// them map to 403 per the access-controller error table.
type DeniedError struct{ Reason string }

func (e *DeniedError) Error() string   { return "auth: " + e.Reason }
func (e *DeniedError) HTTPStatus() int { return 403 }

// envelopeClaims is the minimal JWT payload the gateway issues and verifies
// for its own tokens — a user id and token id pair, not a full OIDC profile.
type envelopeClaims struct {
	UserID  int64 `json:"user_id"`
	TokenID int64 `json:"token_id"`
	jwt.RegisteredClaims
}

// TokenStore resolves a decoded token envelope to its persisted row and the
// owning user. Implemented by internal/registry against the Token/User
// GORM models.
type TokenStore interface {
	FindToken(ctx context.Context, tokenID int64) (*registry.Token, error)
	FindUser(ctx context.Context, userID int64) (*registry.User, error)
}

// Identity is the resolved caller, ready to be published into reqctx.
type Identity struct {
	UserID      int64
	KeyID       int64
	KeyName     string
	Permissions []string
	Priority    int
	Limits      Limits
}

// Limits mirrors registry.User's per-kind budget fields, re-exported here so
// callers don't need to reach into the registry package for the auth result.
type Limits struct {
	RPM, RPD, TPM, TPD *int
}

// masterIdentity is synthesized when the bearer token equals the configured
// master key: id 0, every permission, no limits.
func masterIdentity() Identity {
	return Identity{
		UserID:      0,
		KeyID:       0,
		KeyName:     "master",
		Permissions: []string{"*"},
		Priority:    0,
	}
}

// Controller implements the §4.8 authentication and authorization sequence.
type Controller struct {
	masterKey string
	jwtSecret []byte
	store     TokenStore
}

func New(masterKey, jwtSecret string, store TokenStore) *Controller {
	return &Controller{masterKey: masterKey, jwtSecret: []byte(jwtSecret), store: store}
}

// ParseBearer extracts the token from an "Authorization: Bearer <token>"
// header value, grounding the same scheme the gateway's client-key
// extraction already uses for outbound key forwarding.
func ParseBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", &DeniedError{Reason: "missing authorization header"}
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", &DeniedError{Reason: "missing bearer scheme"}
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", &DeniedError{Reason: "empty bearer token"}
	}
	return token, nil
}

// Authenticate runs steps 1-4 of §4.8: parse, master fast-path, envelope
// decode, token/user lookup. Only the token's expiry is checked: User rows
// carry no expiry field, so no user-expiry check is made and
// allowExpiredUser has no effect.
func (c *Controller) Authenticate(ctx context.Context, authHeader string, allowExpiredUser bool) (Identity, error) {
	token, err := ParseBearer(authHeader)
	if err != nil {
		return Identity{}, err
	}

	if c.masterKey != "" && token == c.masterKey {
		return masterIdentity(), nil
	}

	claims, err := c.decodeEnvelope(token)
	if err != nil {
		return Identity{}, &DeniedError{Reason: "invalid token"}
	}

	tokenRow, err := c.store.FindToken(ctx, claims.TokenID)
	if err != nil {
		return Identity{}, &DeniedError{Reason: "unknown token"}
	}
	if tokenRow.ExpiresAt != nil && tokenRow.ExpiresAt.Before(time.Now()) {
		return Identity{}, &DeniedError{Reason: "token expired"}
	}

	user, err := c.store.FindUser(ctx, claims.UserID)
	if err != nil {
		return Identity{}, &DeniedError{Reason: "unknown user"}
	}

	return Identity{
		UserID:      user.ID,
		KeyID:       tokenRow.ID,
		KeyName:     tokenRow.Name,
		Permissions: user.Permissions,
		Priority:    user.Priority,
		Limits:      Limits{RPM: user.RPMLimit, RPD: user.RPDLimit, TPM: user.TPMLimit, TPD: user.TPDLimit},
	}, nil
}

func (c *Controller) decodeEnvelope(raw string) (*envelopeClaims, error) {
	claims := &envelopeClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// IssueEnvelope signs a new bearer token for (userID, tokenID). Used by the
// admin token-creation path; exported for the admin handlers built on top
// of this package.
func (c *Controller) IssueEnvelope(userID, tokenID int64, expiresAt *time.Time) (string, error) {
	claims := envelopeClaims{UserID: userID, TokenID: tokenID}
	if expiresAt != nil {
		claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(c.jwtSecret)
}

// Authorize checks that id's permissions intersect with required. An empty
// intersection when a permission is required is a 403 per §4.8 step 5.
// The master identity's "*" wildcard always satisfies any requirement.
func Authorize(id Identity, required []string) error {
	if len(required) == 0 {
		return nil
	}
	granted := make(map[string]struct{}, len(id.Permissions))
	for _, p := range id.Permissions {
		if p == "*" {
			return nil
		}
		granted[p] = struct{}{}
	}
	for _, r := range required {
		if _, ok := granted[r]; ok {
			return nil
		}
	}
	return &DeniedError{Reason: "insufficient permission"}
}

// Publish writes the resolved identity into the request's implicit carrier,
// satisfying §4.8 step 8.
func Publish(rc *reqctx.Context, id Identity) {
	rc.UserID = id.UserID
	rc.KeyID = id.KeyID
	rc.KeyName = id.KeyName
}
