package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kyohei/blog-engine/pkg/token"
)

// コンテキストに識別情報を格納するキー。
const (
	contextKeyUserID = "user_id"
	contextKeyEmail  = "email"
	contextKeyRole   = "role"
)

// RoleAdmin は管理者ロール。RoleUser は一般ユーザーロール。
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// JWTAuth はBearerトークンを検証するGinミドルウェアを返す。
//
// Authorizationヘッダーが存在しない場合は401、トークンの検証に失敗した
// 場合は403を返す。検証はリトライしない（失敗は一時的なものではない）。
// 成功時はユーザーID・メールアドレス・ロールをリクエストコンテキストに
// 設定し、後続のハンドラに処理を引き継ぐ。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "認証が必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "認証が必要です",
			})
			return
		}

		claims, err := token.Verify(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyEmail, claims.Email)
		c.Set(contextKeyRole, claims.Role)
		c.Next()
	}
}

// RequireAdmin は管理者ロールを要求するGinミドルウェアを返す。
// JWTAuthの後段に適用すること。管理者以外には403を返す。
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetRole(c) != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "管理者権限が必要です",
			})
			return
		}
		c.Next()
	}
}

// GetUserID はGinコンテキストから認証済みユーザーのIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return getString(c, contextKeyUserID)
}

// GetEmail はGinコンテキストから認証済みユーザーのメールアドレスを取得する。
func GetEmail(c *gin.Context) string {
	return getString(c, contextKeyEmail)
}

// GetRole はGinコンテキストから認証済みユーザーのロールを取得する。
func GetRole(c *gin.Context) string {
	return getString(c, contextKeyRole)
}

// getString はコンテキストから文字列値を取得する。
func getString(c *gin.Context, key string) string {
	v, _ := c.Get(key)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
