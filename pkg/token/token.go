package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken はトークンの署名不一致・有効期限切れ・構造的な
// デコード失敗のいずれかを表す。呼び出し側は原因を区別しない。
var ErrInvalidToken = errors.New("トークンが無効です")

// tokenTTL はトークンの有効期限。発行時刻から24時間で失効する。
const tokenTTL = 24 * time.Hour

// issuer はトークンのiss（発行者）クレーム。
const issuer = "blog-engine-auth"

// Claims はJWTトークンのクレーム（ペイロード）を表す。
// ユーザーID・メールアドレス・ロールをサービス間で伝播する。
// 全サービスがこの形式だけを読み書きし、検証後の再照会を不要にする。
type Claims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Role はユーザーのロール（user または admin）。
	Role string `json:"role"`
}

// Issue はユーザー情報から署名付きJWTトークンを生成する。
// 共有秘密鍵によるHS256署名を使用するため、検証する全サービスが
// 同じ秘密鍵を持つ必要がある。
func Issue(secret, userID, email, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		UserID: userID,
		Email:  email,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// Verify はトークンの署名と有効期限を検証し、埋め込まれたクレームを返す。
// 検証は秘密鍵とトークンだけで完結し、データベースへの問い合わせは行わない。
// 失敗時は原因によらずErrInvalidTokenを返す。
func Verify(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("想定外の署名アルゴリズム: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
