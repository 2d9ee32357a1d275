// Package auth verifies bearer tokens issued by the external identity
// provider and carries the resulting caller identity through contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/jensholdgaard/cricket-auction/internal/config"
)

// Role is a caller's authorization level.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

var (
	// ErrUnauthenticated is returned for missing or invalid tokens.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned when a caller lacks the admin role.
	ErrForbidden = errors.New("forbidden: admin role required")
)

// Identity is an authenticated caller.
type Identity struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the identity may mutate auction state.
func (i Identity) IsAdmin() bool {
	return i.UserID != "" && i.Role == RoleAdmin
}

// RequireAdmin returns ErrForbidden unless id is an admin.
func RequireAdmin(id Identity) error {
	if !id.IsAdmin() {
		return fmt.Errorf("user %q with role %q: %w", id.UserID, id.Role, ErrForbidden)
	}
	return nil
}

// System is the identity used for automated maintenance such as recycling.
var System = Identity{UserID: "system", Role: RoleAdmin}

// Claims are the JWT claims understood by the service. The subject is the
// user id.
type Claims struct {
	Role string `json:"user_role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewVerifier returns a Verifier for cfg. A secret is required.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth: jwt_secret is required")
	}
	return &Verifier{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// Verify parses token and returns the identity it carries. Tokens without a
// role claim are treated as viewers.
func (v *Verifier) Verify(token string) (Identity, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return Identity{}, fmt.Errorf("%w: unexpected issuer %q", ErrUnauthenticated, claims.Issuer)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrUnauthenticated)
	}

	role := Role(claims.Role)
	switch role {
	case RoleAdmin, RoleViewer:
	case "":
		role = RoleViewer
	default:
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, claims.Role)
	}
	return Identity{UserID: claims.Subject, Role: role}, nil
}

// Issue signs a token for id valid for ttl from now. It is used by tests and
// the operator bootstrap path.
func (v *Verifier) Issue(id Identity, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Role: string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored in ctx, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// Anonymous returns a viewer identity keyed by the client address so that
// unauthenticated viewers can still be rate limited individually.
func Anonymous(addr string) Identity {
	return Identity{UserID: "anon:" + addr, Role: RoleViewer}
}
