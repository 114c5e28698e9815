package ads

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kyohei/blog-engine/pkg/middleware"
)

// timeFormat はデータベースに保存する日時の形式。
const timeFormat = time.RFC3339

// Server は広告サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// jwtSecret はJWT署名用の秘密鍵。全サービスで共有する。
	jwtSecret string
}

// NewServer は新しい広告サーバーを生成する。
func NewServer(port string) (*Server, error) {
	dbPath := getEnvOr("ADS_DB_PATH", "/data/ads.db")
	sqlDB, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:    router,
		port:      port,
		db:        sqlDB,
		jwtSecret: jwtSecret,
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
	// 広告一覧（ブログフロントエンド用、認証不要）
	s.router.GET("/ads", s.handleList())
	// 配信中の広告一覧（認証不要）
	s.router.GET("/ads/active", s.handleListActive())

	// 管理系エンドポイント（要認証）
	authed := s.router.Group("/ads")
	authed.Use(middleware.JWTAuth(s.jwtSecret))
	{
		// 広告作成
		authed.POST("", s.handleCreate())
		// 広告更新
		authed.PUT("/:id", s.handleUpdate())
		// 広告削除
		authed.DELETE("/:id", s.handleDelete())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "ads"})
	})
}

// ad は広告レコードを表す。
type ad struct {
	ID        string
	Title     string
	Media     string
	Link      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// adRequest は広告作成・更新リクエストのJSON構造。
type adRequest struct {
	// Title は広告タイトル。
	Title string `json:"title" binding:"required"`
	// Media は広告画像のURL。
	Media string `json:"media" binding:"required"`
	// Link は広告のリンク先URL。
	Link string `json:"link" binding:"required"`
	// IsActive は配信フラグ。省略時はtrue。
	IsActive *bool `json:"is_active"`
}

// adResponse は広告のJSONレスポンス構造。
type adResponse struct {
	// ID は広告の一意識別子。
	ID string `json:"id"`
	// Title は広告タイトル。
	Title string `json:"title"`
	// Media は広告画像のURL。
	Media string `json:"media"`
	// Link は広告のリンク先URL。
	Link string `json:"link"`
	// IsActive は配信フラグ。
	IsActive bool `json:"is_active"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt string `json:"updated_at"`
}

// toAdResponse は広告レコードをJSONレスポンスに変換する。
func toAdResponse(a *ad) adResponse {
	return adResponse{
		ID:        a.ID,
		Title:     a.Title,
		Media:     a.Media,
		Link:      a.Link,
		IsActive:  a.IsActive,
		CreatedAt: a.CreatedAt.Format(timeFormat),
		UpdatedAt: a.UpdatedAt.Format(timeFormat),
	}
}

// adColumns はSELECT句で取得するカラムの並び。scanAdと同期すること。
const adColumns = "id, title, media, link, is_active, created_at, updated_at"

// scanAd は1行を広告レコードに変換する。
func scanAd(row interface{ Scan(dest ...any) error }) (*ad, error) {
	var (
		a                    ad
		isActive             int
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.Title, &a.Media, &a.Link, &isActive, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	a.IsActive = isActive != 0
	if a.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("作成日時のパースに失敗: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("更新日時のパースに失敗: %w", err)
	}
	return &a, nil
}

// listAds は条件に合う広告を作成日時の降順で取得する。
func (s *Server) listAds(ctx context.Context, activeOnly bool) ([]*ad, error) {
	query := "SELECT " + adColumns + " FROM ads ORDER BY created_at DESC"
	if activeOnly {
		query = "SELECT " + adColumns + " FROM ads WHERE is_active = 1 ORDER BY created_at DESC"
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ads []*ad
	for rows.Next() {
		a, err := scanAd(rows)
		if err != nil {
			return nil, err
		}
		ads = append(ads, a)
	}
	return ads, rows.Err()
}

// handleList は広告一覧取得を処理するハンドラを返す。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		ads, err := s.listAds(c.Request.Context(), false)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "広告一覧の取得に失敗しました"})
			log.Printf("広告一覧取得エラー: %v", err)
			return
		}

		responses := make([]adResponse, 0, len(ads))
		for _, a := range ads {
			responses = append(responses, toAdResponse(a))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleListActive は配信中の広告一覧取得を処理するハンドラを返す。
func (s *Server) handleListActive() gin.HandlerFunc {
	return func(c *gin.Context) {
		ads, err := s.listAds(c.Request.Context(), true)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "広告一覧の取得に失敗しました"})
			log.Printf("配信中広告一覧取得エラー: %v", err)
			return
		}

		responses := make([]adResponse, 0, len(ads))
		for _, a := range ads {
			responses = append(responses, toAdResponse(a))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleCreate は広告作成を処理するハンドラを返す。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req adRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		isActive := true
		if req.IsActive != nil {
			isActive = *req.IsActive
		}

		adID := uuid.New().String()
		now := time.Now().UTC().Format(timeFormat)
		_, err := s.db.ExecContext(c.Request.Context(), `
			INSERT INTO ads (id, title, media, link, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			adID, req.Title, req.Media, req.Link, boolToInt(isActive), now, now)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "広告の作成に失敗しました"})
			log.Printf("広告作成エラー: %v", err)
			return
		}

		row := s.db.QueryRowContext(c.Request.Context(), "SELECT "+adColumns+" FROM ads WHERE id = ?", adID)
		created, err := scanAd(row)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "作成した広告の取得に失敗しました"})
			log.Printf("広告取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, toAdResponse(created))
	}
}

// handleUpdate は広告更新を処理するハンドラを返す。
func (s *Server) handleUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req adRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		isActive := true
		if req.IsActive != nil {
			isActive = *req.IsActive
		}

		adID := c.Param("id")
		result, err := s.db.ExecContext(c.Request.Context(), `
			UPDATE ads SET title = ?, media = ?, link = ?, is_active = ?, updated_at = ?
			WHERE id = ?`,
			req.Title, req.Media, req.Link, boolToInt(isActive),
			time.Now().UTC().Format(timeFormat), adID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "広告の更新に失敗しました"})
			log.Printf("広告更新エラー: %v", err)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			c.JSON(http.StatusNotFound, gin.H{"message": "広告が見つかりません"})
			return
		}

		row := s.db.QueryRowContext(c.Request.Context(), "SELECT "+adColumns+" FROM ads WHERE id = ?", adID)
		updated, err := scanAd(row)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "更新後の広告の取得に失敗しました"})
			log.Printf("広告取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toAdResponse(updated))
	}
}

// handleDelete は広告削除を処理するハンドラを返す。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := s.db.ExecContext(c.Request.Context(), "DELETE FROM ads WHERE id = ?", c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "広告の削除に失敗しました"})
			log.Printf("広告削除エラー: %v", err)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			c.JSON(http.StatusNotFound, gin.H{"message": "広告が見つかりません"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "広告を削除しました"})
	}
}

// boolToInt はboolをSQLiteのINTEGER表現に変換する。
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
