// Package auth 簽發與驗證連線憑證
//
// 憑證是 HS256 簽名的 JWT，sub 為使用者 ID，exp 為到期時間。
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// DefaultTokenTTL 憑證有效期
const DefaultTokenTTL = 24 * time.Hour

// Authenticator 驗證憑證並返回使用者 ID
type Authenticator interface {
	Verify(token string) (string, error)
}

// HMACAuthenticator HS256 JWT 憑證
type HMACAuthenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewHMAC 創建 HMAC 驗證器
func NewHMAC(secret string, ttl time.Duration) *HMACAuthenticator {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &HMACAuthenticator{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock 替換時間來源（測試用）
func (a *HMACAuthenticator) WithClock(now func() time.Time) *HMACAuthenticator {
	a.now = now
	return a
}

// Sign 為使用者簽發憑證
func (a *HMACAuthenticator) Sign(userID string) (string, error) {
	if userID == "" {
		return "", apperrors.ErrInvalidParam.WithDetails("user id is required")
	}

	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "sign token")
	}
	return token, nil
}

// Verify 驗證憑證，格式錯誤、簽名不符或過期一律返回 ErrUnauthorized
func (a *HMACAuthenticator) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", apperrors.ErrUnauthorized.WithDetails("token expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "", apperrors.ErrUnauthorized.WithDetails("malformed token")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "", apperrors.ErrUnauthorized.WithDetails("bad signature")
	default:
		return "", apperrors.ErrUnauthorized.WithDetails(err.Error())
	}

	if claims.Subject == "" {
		return "", apperrors.ErrUnauthorized.WithDetails("missing subject")
	}
	return claims.Subject, nil
}

// BearerToken 從 Authorization 標頭取出憑證
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
