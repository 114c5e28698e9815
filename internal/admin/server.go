package admin

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kyohei/blog-engine/pkg/middleware"
)

// proxyTimeout は内部サービスへの転送のタイムアウト。
// 内部サービスが応答しない場合でも管理画面を無期限に待たせない。
const proxyTimeout = 10 * time.Second

// Server は管理ゲートウェイのHTTPサーバー。
// 管理画面からのリクエストを認証し、各内部サービスに転送する。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// jwtSecret はJWT署名用の秘密鍵。全サービスで共有する。
	jwtSecret string
	// mounts は転送先サービスの一覧。
	mounts []mount
	// httpClient は転送に使用するHTTPクライアント。
	httpClient *http.Client
}

// mount はゲートウェイのパスプレフィックスと転送先の対応。
type mount struct {
	// Name はサービス名。
	Name string
	// Prefix はゲートウェイ側のパスプレフィックス（例: "/users"）。
	Prefix string
	// Target は転送先のベースURL（例: "http://users:3002/api/users"）。
	Target string
}

// NewServer は新しい管理ゲートウェイサーバーを生成する。
func NewServer(port string) (*Server, error) {
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}

	mounts := []mount{
		{Name: "users", Prefix: "/users", Target: getEnvOr("USERS_SERVICE_URL", "http://localhost:3002") + "/api/users"},
		{Name: "write", Prefix: "/write", Target: getEnvOr("WRITE_SERVICE_URL", "http://localhost:3003") + "/api/posts"},
		{Name: "ads", Prefix: "/ads", Target: getEnvOr("ADS_SERVICE_URL", "http://localhost:3004") + "/ads"},
		{Name: "logs", Prefix: "/logs", Target: getEnvOr("LOGS_SERVICE_URL", "http://localhost:3008") + "/logs"},
	}

	frontendURL := getEnvOr("FRONTEND_URL", "http://localhost:3000")

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS([]string{frontendURL}))

	s := &Server{
		router:    router,
		port:      port,
		jwtSecret: jwtSecret,
		mounts:    mounts,
		httpClient: &http.Client{
			Timeout: proxyTimeout,
		},
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
// 転送対象のプレフィックス以外へのリクエストは内部サービスに
// 接続せずに404を返す。
func (s *Server) setupRoutes() {
	authed := s.router.Group("")
	authed.Use(middleware.JWTAuth(s.jwtSecret))
	{
		// 管理画面のサービス一覧
		authed.GET("/services", s.handleListServices())

		// 各内部サービスへの転送
		for _, m := range s.mounts {
			authed.Any(m.Prefix, s.handleProxy(m.Target))
			authed.Any(m.Prefix+"/*path", s.handleProxyWithPath(m.Target))
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "admin"})
	})

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "エンドポイントが見つかりません"})
	})
}

// serviceInfo はサービス一覧の1エントリ。
type serviceInfo struct {
	// Name はサービス名。
	Name string `json:"name"`
	// Prefix はゲートウェイ側のパスプレフィックス。
	Prefix string `json:"prefix"`
}

// handleListServices はサービス一覧取得を処理するハンドラを返す。
func (s *Server) handleListServices() gin.HandlerFunc {
	return func(c *gin.Context) {
		services := make([]serviceInfo, 0, len(s.mounts))
		for _, m := range s.mounts {
			services = append(services, serviceInfo{Name: m.Name, Prefix: m.Prefix})
		}
		c.JSON(http.StatusOK, services)
	}
}

// handleProxy はプレフィックス直下へのリクエストを転送するハンドラを返す。
func (s *Server) handleProxy(target string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.doProxy(c, target)
	}
}

// handleProxyWithPath はプレフィックス配下のサブパスを含めて転送するハンドラを返す。
func (s *Server) handleProxyWithPath(target string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.doProxy(c, target+c.Param("path"))
	}
}

// doProxy はリクエストを内部サービスに転送する共通処理。
// メソッド、ボディ、クエリ、Authorizationヘッダーをそのまま転送し、
// 内部サービスのステータスとボディをそのまま返す。
// 内部サービスに到達できない場合は詳細を伏せて500を返す。
func (s *Server) doProxy(c *gin.Context, url string) {
	if c.Request.URL.RawQuery != "" {
		url += "?" + c.Request.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, url, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サービスとの通信に失敗しました"})
		log.Printf("プロキシリクエスト作成エラー: %v", err)
		return
	}

	// 元のリクエストヘッダーを転送
	if contentType := c.GetHeader("Content-Type"); contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", c.GetHeader("Authorization"))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サービスとの通信に失敗しました"})
		log.Printf("プロキシエラー: url=%s, error=%v", url, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "内部サービスとの通信に失敗しました"})
		log.Printf("プロキシレスポンス読み取りエラー: %v", err)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	c.Data(resp.StatusCode, contentType, body)
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
