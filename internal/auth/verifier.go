package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"creditsystem/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized 凭证缺失、过期或签名不正确
var ErrUnauthorized = errors.New("未认证")

// Verifier 校验调用方凭证，返回 accountId
//
// 账本和会话只信任这里返回的 accountId
type Verifier interface {
	VerifyCaller(ctx context.Context, token string) (string, error)
}

type claims struct {
	jwt.RegisteredClaims
}

// JWTVerifier HS256 签名的 JWT，subject 即 accountId
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

var _ Verifier = (*JWTVerifier)(nil)

func NewJWTVerifier(cfg config.AuthConfig) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		now:    time.Now,
	}
}

func (v *JWTVerifier) VerifyCaller(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || strings.TrimSpace(c.Subject) == "" {
		return "", ErrUnauthorized
	}
	return c.Subject, nil
}

// Issue 签发访问令牌，供 CLI 和测试使用
func (v *JWTVerifier) Issue(accountID string, ttl time.Duration) (string, error) {
	if accountID == "" {
		return "", errors.New("accountId 不能为空")
	}
	now := v.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}
