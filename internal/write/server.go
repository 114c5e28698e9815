package write

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kyohei/blog-engine/pkg/httpclient"
	"github.com/kyohei/blog-engine/pkg/middleware"
)

// timeFormat はデータベースに保存する日時の形式。
const timeFormat = time.RFC3339

// Server は投稿サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// jwtSecret はJWT署名用の秘密鍵。全サービスで共有する。
	jwtSecret string
	// usersClient はユーザーサービスへのHTTPクライアント。
	// 投稿作成時の著者存在確認に使用する。
	usersClient *httpclient.Client
}

// NewServer は新しい投稿サーバーを生成する。
func NewServer(port string) (*Server, error) {
	dbPath := getEnvOr("WRITE_DB_PATH", "/data/write.db")
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

	usersURL := getEnvOr("USERS_SERVICE_URL", "http://localhost:3002")

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:      router,
		port:        port,
		db:          sqlDB,
		jwtSecret:   jwtSecret,
		usersClient: httpclient.New(usersURL),
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
	posts := s.router.Group("/api/posts")
	{
		// 公開中の投稿一覧（ブログフロントエンド用、認証不要）
		posts.GET("/public", s.handleListPublic())

		// 管理系エンドポイント（要認証）
		authed := posts.Group("")
		authed.Use(middleware.JWTAuth(s.jwtSecret))
		{
			// 全投稿一覧
			authed.GET("", s.handleList())
			// 投稿詳細取得
			authed.GET("/:id", s.handleGetByID())
			// 投稿作成
			authed.POST("", s.handleCreate())
			// 投稿更新
			authed.PUT("/:id", s.handleUpdate())
			// 投稿削除
			authed.DELETE("/:id", s.handleDelete())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "write"})
	})
}

// post は投稿レコードを表す。
type post struct {
	ID          string
	Title       string
	Description string
	Content     string
	Tags        []string
	AuthorID    string
	AuthorName  string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// createPostRequest は投稿作成リクエストのJSON構造。
type createPostRequest struct {
	// Title は投稿タイトル。
	Title string `json:"title" binding:"required"`
	// Description は投稿の概要。
	Description string `json:"description" binding:"required"`
	// Content は本文（Markdown）。
	Content string `json:"content" binding:"required"`
	// Tags はタグの一覧。
	Tags []string `json:"tags"`
	// Author は著者のユーザーID。
	Author string `json:"author" binding:"required"`
	// IsActive は公開フラグ。省略時はtrue。
	IsActive *bool `json:"is_active"`
}

// updatePostRequest は投稿更新リクエストのJSON構造。
type updatePostRequest struct {
	// Title は投稿タイトル。
	Title string `json:"title" binding:"required"`
	// Description は投稿の概要。
	Description string `json:"description" binding:"required"`
	// Content は本文（Markdown）。
	Content string `json:"content" binding:"required"`
	// Tags はタグの一覧。
	Tags []string `json:"tags"`
	// IsActive は公開フラグ。
	IsActive bool `json:"is_active"`
}

// postResponse は投稿のJSONレスポンス構造。
type postResponse struct {
	// ID は投稿の一意識別子。
	ID string `json:"id"`
	// Title は投稿タイトル。
	Title string `json:"title"`
	// Description は投稿の概要。
	Description string `json:"description"`
	// Content は本文。
	Content string `json:"content"`
	// Tags はタグの一覧。
	Tags []string `json:"tags"`
	// Author は著者情報。
	Author authorResponse `json:"author"`
	// IsActive は公開フラグ。
	IsActive bool `json:"is_active"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt string `json:"updated_at"`
}

// authorResponse は投稿レスポンスに埋め込む著者情報。
type authorResponse struct {
	// ID は著者のユーザーID。
	ID string `json:"id"`
	// Name は著者の表示名。
	Name string `json:"name"`
}

// toPostResponse は投稿レコードをJSONレスポンスに変換する。
func toPostResponse(p *post) postResponse {
	return postResponse{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Content:     p.Content,
		Tags:        p.Tags,
		Author:      authorResponse{ID: p.AuthorID, Name: p.AuthorName},
		IsActive:    p.IsActive,
		CreatedAt:   p.CreatedAt.Format(timeFormat),
		UpdatedAt:   p.UpdatedAt.Format(timeFormat),
	}
}

// postColumns はSELECT句で取得するカラムの並び。scanPostと同期すること。
const postColumns = "id, title, description, content, tags, author_id, author_name, is_active, created_at, updated_at"

// scanPost は1行を投稿レコードに変換する。
func scanPost(row interface{ Scan(dest ...any) error }) (*post, error) {
	var (
		p                    post
		tags                 string
		isActive             int
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Content, &tags,
		&p.AuthorID, &p.AuthorName, &isActive, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return nil, fmt.Errorf("タグのデシリアライズに失敗: %w", err)
	}
	p.IsActive = isActive != 0
	if p.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("作成日時のパースに失敗: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("更新日時のパースに失敗: %w", err)
	}
	return &p, nil
}

// listPosts は条件に合う投稿を作成日時の降順で取得する。
func (s *Server) listPosts(ctx context.Context, activeOnly bool) ([]*post, error) {
	query := "SELECT " + postColumns + " FROM posts ORDER BY created_at DESC"
	if activeOnly {
		query = "SELECT " + postColumns + " FROM posts WHERE is_active = 1 ORDER BY created_at DESC"
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var posts []*post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// getPost はIDで投稿を取得する。
func (s *Server) getPost(ctx context.Context, id string) (*post, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+postColumns+" FROM posts WHERE id = ?", id)
	return scanPost(row)
}

// handleListPublic は公開中の投稿一覧取得を処理するハンドラを返す。
func (s *Server) handleListPublic() gin.HandlerFunc {
	return func(c *gin.Context) {
		posts, err := s.listPosts(c.Request.Context(), true)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "投稿一覧の取得に失敗しました"})
			log.Printf("公開投稿一覧取得エラー: %v", err)
			return
		}

		responses := make([]postResponse, 0, len(posts))
		for _, p := range posts {
			responses = append(responses, toPostResponse(p))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleList は全投稿一覧取得を処理するハンドラを返す。
// 非公開の投稿も含む（管理画面用）。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		posts, err := s.listPosts(c.Request.Context(), false)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "投稿一覧の取得に失敗しました"})
			log.Printf("投稿一覧取得エラー: %v", err)
			return
		}

		responses := make([]postResponse, 0, len(posts))
		for _, p := range posts {
			responses = append(responses, toPostResponse(p))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleGetByID は投稿詳細取得を処理するハンドラを返す。
func (s *Server) handleGetByID() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.getPost(c.Request.Context(), c.Param("id"))
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"message": "投稿が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "投稿の取得に失敗しました"})
			log.Printf("投稿取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toPostResponse(p))
	}
}

// resolveAuthor はユーザーサービスに問い合わせて著者の表示名を解決する。
// 著者が存在しない場合は空文字列とfalseを返す。
func (s *Server) resolveAuthor(c *gin.Context, authorID string) (string, bool, error) {
	ctx := httpclient.WithAuthorization(c.Request.Context(), c.GetHeader("Authorization"))

	var author struct {
		Name string `json:"name"`
	}
	err := s.usersClient.GetJSON(ctx, "/api/users/"+authorID, &author)
	if err == nil {
		return author.Name, true, nil
	}

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	return "", false, err
}

// handleCreate は投稿作成を処理するハンドラを返す。
// 著者がユーザーサービスに存在することを確認してから登録する。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createPostRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		authorName, found, err := s.resolveAuthor(c, req.Author)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "著者の確認に失敗しました"})
			log.Printf("著者確認エラー: %v", err)
			return
		}
		if !found {
			c.JSON(http.StatusBadRequest, gin.H{"message": "著者が見つかりません"})
			return
		}

		tags := req.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "タグのシリアライズに失敗しました"})
			return
		}

		isActive := true
		if req.IsActive != nil {
			isActive = *req.IsActive
		}

		postID := uuid.New().String()
		now := time.Now().UTC().Format(timeFormat)
		_, err = s.db.ExecContext(c.Request.Context(), `
			INSERT INTO posts (id, title, description, content, tags, author_id, author_name, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			postID, req.Title, req.Description, req.Content, string(tagsJSON),
			req.Author, authorName, boolToInt(isActive), now, now)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "投稿の作成に失敗しました"})
			log.Printf("投稿作成エラー: %v", err)
			return
		}

		created, err := s.getPost(c.Request.Context(), postID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "作成した投稿の取得に失敗しました"})
			log.Printf("投稿取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, toPostResponse(created))
	}
}

// handleUpdate は投稿更新を処理するハンドラを返す。
func (s *Server) handleUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updatePostRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		tags := req.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "タグのシリアライズに失敗しました"})
			return
		}

		postID := c.Param("id")
		result, err := s.db.ExecContext(c.Request.Context(), `
			UPDATE posts SET title = ?, description = ?, content = ?, tags = ?, is_active = ?, updated_at = ?
			WHERE id = ?`,
			req.Title, req.Description, req.Content, string(tagsJSON),
			boolToInt(req.IsActive), time.Now().UTC().Format(timeFormat), postID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "投稿の更新に失敗しました"})
			log.Printf("投稿更新エラー: %v", err)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			c.JSON(http.StatusNotFound, gin.H{"message": "投稿が見つかりません"})
			return
		}

		updated, err := s.getPost(c.Request.Context(), postID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "更新後の投稿の取得に失敗しました"})
			log.Printf("投稿取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toPostResponse(updated))
	}
}

// handleDelete は投稿削除を処理するハンドラを返す。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := s.db.ExecContext(c.Request.Context(), "DELETE FROM posts WHERE id = ?", c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "投稿の削除に失敗しました"})
			log.Printf("投稿削除エラー: %v", err)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			c.JSON(http.StatusNotFound, gin.H{"message": "投稿が見つかりません"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "投稿を削除しました"})
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
