package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/stridesync/internal/model"
)

// sessionClaims はセッションJWTのクレーム構造。
// 標準クレームに加え、ローカルユーザーIDを保持する。
type sessionClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
}

// SessionManager はアプリレベルのセッショントークン（JWT）の発行と検証を行う。
// セッションはサーバー側に永続化されず、有効性は署名と有効期限のみで判定する。
// そのため即時失効はできない（短いTTLと再発行で代替する設計上の制約）。
type SessionManager struct {
	secret []byte
	maxAge time.Duration
}

// NewSessionManager はSessionManagerを生成する。
// maxAgeSecondsはセッションの有効期間（秒）。
func NewSessionManager(secret string, maxAgeSeconds int) *SessionManager {
	return &SessionManager{
		secret: []byte(secret),
		maxAge: time.Duration(maxAgeSeconds) * time.Second,
	}
}

// Issue は指定ユーザーに紐付くセッショントークンを発行する。
func (m *SessionManager) Issue(userID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.maxAge)),
		},
		UserID: userID,
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	return signed, nil
}

// Validate はセッショントークンの署名と有効期限を検証し、ユーザーIDを返す。
// 副作用がなく並行呼び出しに対して安全。
// 無効なトークンにはmodel.ErrUnauthenticatedを返す。
func (m *SessionManager) Validate(tokenString string) (string, error) {
	claims := &sessionClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", model.ErrUnauthenticated
	}

	if !token.Valid || claims.UserID == "" {
		return "", model.ErrUnauthenticated
	}

	return claims.UserID, nil
}
