package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/kyohei/blog-engine/internal/identity"
	"github.com/kyohei/blog-engine/pkg/middleware"
	"github.com/kyohei/blog-engine/pkg/token"
)

// Server は認証サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store はユーザー識別情報ストア。
	store *identity.Store
	// db はSQLiteデータベース接続。
	db *sql.DB
	// jwtSecret はJWT署名用の秘密鍵。全サービスで共有する。
	jwtSecret string
	// frontendURL はOAuth2コールバック後のリダイレクト先。
	frontendURL string
	// google はGoogle OAuth2の設定。
	google googleConfig
	// httpClient はGoogleのAPIを呼び出すHTTPクライアント。
	httpClient *http.Client
}

// googleConfig はGoogle OAuth2の設定。
// トークン交換・ユーザー情報取得のURLはテスト時に差し替え可能にする。
type googleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	UserinfoURL  string
}

// NewServer は新しい認証サーバーを生成する。
// SQLiteデータベースの初期化とマイグレーション適用を行う。
func NewServer(port string) (*Server, error) {
	dbPath := getEnvOr("AUTH_DB_PATH", "/data/auth.db")
	sqlDB, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	store, err := identity.NewStore(sqlDB)
	if err != nil {
		return nil, fmt.Errorf("ユーザーストア初期化に失敗: %w", err)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}

	frontendURL := getEnvOr("FRONTEND_URL", "http://localhost:3000")
	serviceURL := getEnvOr("AUTH_SERVICE_URL", "http://localhost:3001")

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS([]string{frontendURL}))

	s := &Server{
		router:      router,
		port:        port,
		store:       store,
		db:          sqlDB,
		jwtSecret:   jwtSecret,
		frontendURL: frontendURL,
		google: googleConfig{
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			RedirectURL:  serviceURL + "/auth/google/callback",
			AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			UserinfoURL:  "https://openidconnect.googleapis.com/v1/userinfo",
		},
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := s.router.Group("/auth")
	{
		// ローカル認証
		auth.POST("/register", s.handleRegister())
		auth.POST("/login", s.handleLogin())
		// トークン検証（要Bearerトークン）
		auth.GET("/verify", middleware.JWTAuth(s.jwtSecret), s.handleVerify())
		// Google OAuth2
		auth.GET("/google", s.handleGoogleLogin())
		auth.GET("/google/callback", s.handleGoogleCallback())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "auth"})
	})
}

// registerRequest はユーザー登録リクエストのJSON構造。
type registerRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required"`
	// Password は平文パスワード。
	Password string `json:"password" binding:"required"`
	// Name は表示名。
	Name string `json:"name" binding:"required"`
}

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required"`
	// Password は平文パスワード。
	Password string `json:"password" binding:"required"`
}

// userResponse はユーザー情報のJSONレスポンス構造。
// パスワードハッシュは含まない。
type userResponse struct {
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// Name は表示名。
	Name string `json:"name"`
	// Role はユーザーのロール。
	Role string `json:"role"`
	// IsActive はアカウントが有効かどうか。
	IsActive bool `json:"is_active"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
}

// toUserResponse は識別情報をJSONレスポンスに変換する。
func toUserResponse(id *identity.Identity) userResponse {
	return userResponse{
		ID:        id.ID,
		Email:     id.Email,
		Name:      id.Name,
		Role:      string(id.Role),
		IsActive:  id.IsActive,
		CreatedAt: id.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

// handleRegister はユーザー登録を処理するハンドラを返す。
// 登録に成功した場合はトークンを発行して201を返す。
// メールアドレスの重複は400を返す。一意性はストアのユニーク制約で
// 保証されるため、同時登録でも成功はちょうど1件になる。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		id, err := identity.NewLocal(req.Email, req.Name, req.Password)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "リクエストが不正です"})
			return
		}

		if err := s.store.Create(c.Request.Context(), id); err != nil {
			if errors.Is(err, identity.ErrDuplicateEmail) {
				c.JSON(http.StatusBadRequest, gin.H{"message": "ユーザーは既に存在します"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"message": "ユーザーの登録に失敗しました"})
			log.Printf("ユーザー登録エラー: %v", err)
			return
		}

		tokenString, err := token.Issue(s.jwtSecret, id.ID, id.Email, string(id.Role))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "トークン生成に失敗しました"})
			log.Printf("JWT生成エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"token": tokenString,
			"user":  toUserResponse(id),
		})
	}
}

// invalidCredentialsBody はログイン失敗時のレスポンスボディ。
// メールアドレス不明とパスワード不一致で同一の内容を返し、
// アカウントの存在を推測させない。
var invalidCredentialsBody = gin.H{"error": "メールアドレスまたはパスワードが正しくありません"}

// handleLogin はログインを処理するハンドラを返す。
// 認証に成功した場合はトークンとユーザー情報を返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		id, err := s.store.FindByEmail(c.Request.Context(), req.Email)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				c.JSON(http.StatusUnauthorized, invalidCredentialsBody)
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ログイン処理に失敗しました"})
			log.Printf("ユーザー検索エラー: %v", err)
			return
		}

		if !id.IsActive || !id.VerifyPassword(req.Password) {
			c.JSON(http.StatusUnauthorized, invalidCredentialsBody)
			return
		}

		tokenString, err := token.Issue(s.jwtSecret, id.ID, id.Email, string(id.Role))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			log.Printf("JWT生成エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token": tokenString,
			"user":  toUserResponse(id),
		})
	}
}

// handleVerify はトークン検証エンドポイントのハンドラを返す。
// トークン自体の検証はミドルウェアで完結しており、ここでは
// 最新のユーザーレコードを再解決して返す。
func (s *Server) handleVerify() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		id, err := s.store.FindByID(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの取得に失敗しました"})
			log.Printf("ユーザー取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toUserResponse(id))
	}
}

// handleGoogleLogin はGoogle OAuth2ログインを開始するハンドラを返す。
func (s *Server) handleGoogleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.google.ClientID == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Google OAuth2が設定されていません"})
			return
		}

		query := url.Values{}
		query.Set("client_id", s.google.ClientID)
		query.Set("redirect_uri", s.google.RedirectURL)
		query.Set("response_type", "code")
		query.Set("scope", "openid email profile")

		c.Redirect(http.StatusTemporaryRedirect, s.google.AuthURL+"?"+query.Encode())
	}
}

// handleGoogleCallback はGoogle OAuth2コールバックを処理するハンドラを返す。
//
// 認可コードをアクセストークンに交換し、ユーザー情報を取得する。
// 未登録のユーザーは外部OAuth認証として自動登録する（ローカルパスワードは
// 設定しない）。同一メールアドレスの既存アカウントにはGoogleを連携する。
// 成功時はトークンをクエリパラメータに載せてフロントエンドにリダイレクトする。
func (s *Server) handleGoogleCallback() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.google.ClientID == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Google OAuth2が設定されていません"})
			return
		}

		code := c.Query("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "認可コードがありません"})
			return
		}

		userinfo, err := s.exchangeGoogleCode(c.Request.Context(), code)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Google認証に失敗しました"})
			log.Printf("Google認証エラー: %v", err)
			return
		}

		id, err := s.resolveGoogleUser(c.Request.Context(), userinfo)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの解決に失敗しました"})
			log.Printf("Googleユーザー解決エラー: %v", err)
			return
		}

		tokenString, err := token.Issue(s.jwtSecret, id.ID, id.Email, string(id.Role))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			log.Printf("JWT生成エラー: %v", err)
			return
		}

		c.Redirect(http.StatusFound, s.frontendURL+"/auth/callback?token="+url.QueryEscape(tokenString))
	}
}

// googleUserinfo はGoogleのuserinfoエンドポイントのレスポンス。
type googleUserinfo struct {
	// Sub はGoogle内でのユーザー識別子。
	Sub string `json:"sub"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// Name は表示名。
	Name string `json:"name"`
}

// exchangeGoogleCode は認可コードをアクセストークンに交換し、ユーザー情報を取得する。
func (s *Server) exchangeGoogleCode(ctx context.Context, code string) (*googleUserinfo, error) {
	form := url.Values{}
	form.Set("client_id", s.google.ClientID)
	form.Set("client_secret", s.google.ClientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", s.google.RedirectURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.google.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("トークン交換リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("トークン交換リクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("トークン交換に失敗: status=%d, body=%s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("トークンレスポンスのデシリアライズに失敗: %w", err)
	}

	infoReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.google.UserinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ユーザー情報リクエストの作成に失敗: %w", err)
	}
	infoReq.Header.Set("Authorization", "Bearer "+tokenResp.AccessToken)

	infoResp, err := s.httpClient.Do(infoReq)
	if err != nil {
		return nil, fmt.Errorf("ユーザー情報リクエストの送信に失敗: %w", err)
	}
	defer infoResp.Body.Close()

	if infoResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(infoResp.Body)
		return nil, fmt.Errorf("ユーザー情報の取得に失敗: status=%d, body=%s", infoResp.StatusCode, string(body))
	}

	var userinfo googleUserinfo
	if err := json.NewDecoder(infoResp.Body).Decode(&userinfo); err != nil {
		return nil, fmt.Errorf("ユーザー情報のデシリアライズに失敗: %w", err)
	}
	if userinfo.Sub == "" || userinfo.Email == "" {
		return nil, fmt.Errorf("ユーザー情報が不完全です")
	}
	return &userinfo, nil
}

// resolveGoogleUser はGoogleのユーザー情報から識別情報を解決する。
// 登録済みなら既存レコード、同一メールアドレスの既存アカウントには
// Googleを連携、それ以外は外部OAuth認証として自動登録する。
func (s *Server) resolveGoogleUser(ctx context.Context, userinfo *googleUserinfo) (*identity.Identity, error) {
	id, err := s.store.FindByExternalID(ctx, "google", userinfo.Sub)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return nil, err
	}

	// 同一メールアドレスのローカルアカウントがあれば連携する
	id, err = s.store.FindByEmail(ctx, userinfo.Email)
	if err == nil {
		if err := s.store.LinkExternal(ctx, id.ID, "google", userinfo.Sub); err != nil {
			return nil, err
		}
		return id, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return nil, err
	}

	newID, err := identity.NewExternal(userinfo.Email, userinfo.Name, "google", userinfo.Sub)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, newID); err != nil {
		return nil, err
	}
	log.Printf("Googleアカウントからユーザーを自動登録しました: %s", newID.ID)
	return newID, nil
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
