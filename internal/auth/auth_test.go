package auth_test

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-room-sync/internal/auth"
	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

func TestSignVerify(t *testing.T) {
	a := auth.NewHMAC("secret", time.Hour)

	token, err := a.Sign("user.with.dots")
	require.NoError(t, err)

	userID, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user.with.dots", userID)
}

func TestSign_Claims(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := auth.NewHMAC("secret", time.Minute).WithClock(func() time.Time { return now })
	token, err := a.Sign("alice")
	require.NoError(t, err)

	var claims jwt.RegisteredClaims
	_, _, err = jwt.NewParser().ParseUnverified(token, &claims)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.True(t, now.Add(time.Minute).Equal(claims.ExpiresAt.Time))
}

func TestVerify_Rejects(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	a := auth.NewHMAC("secret", time.Minute).WithClock(clock)
	token, err := a.Sign("alice")
	require.NoError(t, err)
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	forged, err := auth.NewHMAC("other", time.Minute).WithClock(clock).Sign("alice")
	require.NoError(t, err)

	sign := func(method jwt.SigningMethod, claims jwt.Claims, key any) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	exp := jwt.NewNumericDate(now.Add(time.Hour))

	tamperedPayload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"mallory","exp":9999999999}`))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"two parts", parts[0] + "." + parts[1]},
		{"garbage", "not-a-token"},
		{"wrong secret", forged},
		{"tampered payload", parts[0] + "." + tamperedPayload + "." + parts[2]},
		{"tampered signature", parts[0] + "." + parts[1] + ".AAAA"},
		{"alg none", sign(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice", ExpiresAt: exp}, jwt.UnsafeAllowNoneSignatureType)},
		{"other hmac alg", sign(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "alice", ExpiresAt: exp}, []byte("secret"))},
		{"no expiry", sign(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}, []byte("secret"))},
		{"no subject", sign(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: exp}, []byte("secret"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Verify(tt.token)
			assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
		})
	}
}

func TestVerify_Expired(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := auth.NewHMAC("secret", time.Minute).WithClock(func() time.Time { return now })
	token, err := a.Sign("alice")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = a.Verify(token)
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.Equal(t, "token expired", err.(*apperrors.AppError).Details)
}

func TestSign_RequiresUser(t *testing.T) {
	_, err := auth.NewHMAC("secret", 0).Sign("")
	assert.True(t, apperrors.IsValidation(err))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", auth.BearerToken("Bearer abc"))
	assert.Equal(t, "abc", auth.BearerToken("bearer abc"))
	assert.Empty(t, auth.BearerToken("Basic abc"))
	assert.Empty(t, auth.BearerToken(""))
}
