package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/config"
)

func newVerifier(t *testing.T, issuer string) *auth.Verifier {
	t.Helper()
	v, err := auth.NewVerifier(config.AuthConfig{JWTSecret: "test-secret", Issuer: issuer})
	require.NoError(t, err)
	return v
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := auth.NewVerifier(config.AuthConfig{})
	require.Error(t, err)
}

func TestVerify(t *testing.T) {
	v := newVerifier(t, "auction")
	now := time.Now()

	admin, err := v.Issue(auth.Identity{UserID: "u1", Role: auth.RoleAdmin}, now, time.Hour)
	require.NoError(t, err)
	viewer, err := v.Issue(auth.Identity{UserID: "u2"}, now, time.Hour)
	require.NoError(t, err)
	expired, err := v.Issue(auth.Identity{UserID: "u3", Role: auth.RoleAdmin}, now.Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)
	otherIssuer, err := newVerifier(t, "someone-else").Issue(auth.Identity{UserID: "u4", Role: auth.RoleAdmin}, now, time.Hour)
	require.NoError(t, err)
	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Role:             "admin",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u5", Issuer: "auction"},
	}).SignedString([]byte("not-the-secret"))
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, auth.Claims{
		Role:             "admin",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u6", Issuer: "auction"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		want    auth.Identity
		wantErr bool
	}{
		{name: "admin", token: admin, want: auth.Identity{UserID: "u1", Role: auth.RoleAdmin}},
		{name: "missing role defaults to viewer", token: viewer, want: auth.Identity{UserID: "u2", Role: auth.RoleViewer}},
		{name: "expired", token: expired, wantErr: true},
		{name: "issuer mismatch", token: otherIssuer, wantErr: true},
		{name: "wrong key", token: wrongKey, wantErr: true},
		{name: "alg none", token: noneAlg, wantErr: true},
		{name: "garbage", token: "not.a.token", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(tt.token)
			if tt.wantErr {
				require.ErrorIs(t, err, auth.ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	require.NoError(t, auth.RequireAdmin(auth.Identity{UserID: "u1", Role: auth.RoleAdmin}))
	require.NoError(t, auth.RequireAdmin(auth.System))

	err := auth.RequireAdmin(auth.Identity{UserID: "u2", Role: auth.RoleViewer})
	require.True(t, errors.Is(err, auth.ErrForbidden))

	require.ErrorIs(t, auth.RequireAdmin(auth.Identity{Role: auth.RoleAdmin}), auth.ErrForbidden)
}

func TestContext(t *testing.T) {
	_, ok := auth.FromContext(context.Background())
	require.False(t, ok)

	id := auth.Identity{UserID: "u1", Role: auth.RoleAdmin}
	got, ok := auth.FromContext(auth.WithIdentity(context.Background(), id))
	require.True(t, ok)
	require.Equal(t, id, got)

	require.Equal(t, auth.RoleViewer, auth.Anonymous("10.0.0.1").Role)
}
