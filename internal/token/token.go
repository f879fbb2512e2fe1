// Package token は API 用の Bearer トークン（HS256 の JWT）を発行・検証します。
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
)

// ErrInvalid はトークンが不正または期限切れの場合に返されます。
var ErrInvalid = errors.New("invalid or expired token")

// Claims は Bearer トークンに含めるユーザー情報です。
type Claims struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"admin"`
	jwt.RegisteredClaims
}

// UserID は subject をユーザーIDとして返します。
func (c *Claims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// Snapshot はクレームからユーザー情報を復元します。
func (c *Claims) Snapshot() (models.UserSnapshot, error) {
	id, err := c.UserID()
	if err != nil {
		return models.UserSnapshot{}, ErrInvalid
	}
	return models.UserSnapshot{
		ID:       id,
		Username: c.Username,
		Email:    c.Email,
		IsAdmin:  c.IsAdmin,
	}, nil
}

// Issuer は署名鍵と有効期間を保持します。
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewIssuer は Issuer を作成します。
func NewIssuer(secret string, ttl time.Duration, issuer string) *Issuer {
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: issuer,
		now:    time.Now,
	}
}

// TTL はトークンの有効期間を返します。
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue はユーザーに対するトークンを発行します。
func (i *Issuer) Issue(user models.UserSnapshot) (string, error) {
	const op = "token.Issue"
	now := i.now()
	claims := Claims{
		Username: user.Username,
		Email:    user.Email,
		IsAdmin:  user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return signed, nil
}

// Parse はトークンの署名と有効期限を検証します。
func (i *Issuer) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalid
	}
	if _, err := claims.UserID(); err != nil {
		return nil, ErrInvalid
	}
	return claims, nil
}
