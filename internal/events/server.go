package events

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

// Server はブログイベントサービスのHTTPサーバー。
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

// NewServer は新しいイベントサーバーを生成する。
func NewServer(port string) (*Server, error) {
	dbPath := getEnvOr("EVENTS_DB_PATH", "/data/events.db")
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
	// イベント一覧（ブログフロントエンド用、認証不要）
	s.router.GET("/events", s.handleList())
	// イベント詳細取得（認証不要）
	s.router.GET("/events/:id", s.handleGetByID())

	// 管理系エンドポイント（要認証）
	authed := s.router.Group("/events")
	authed.Use(middleware.JWTAuth(s.jwtSecret))
	{
		// イベント作成
		authed.POST("", s.handleCreate())
		// イベント更新
		authed.PUT("/:id", s.handleUpdate())
		// イベント削除
		authed.DELETE("/:id", s.handleDelete())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "events"})
	})
}

// event はイベントレコードを表す。
type event struct {
	ID          string
	Title       string
	Description string
	DateStart   time.Time
	DateEnd     time.Time
	Location    string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// eventRequest はイベント作成・更新リクエストのJSON構造。
type eventRequest struct {
	// Title はイベントのタイトル。
	Title string `json:"title" binding:"required"`
	// Description はイベントの説明。
	Description string `json:"description" binding:"required"`
	// DateStart は開始日時（RFC3339形式）。
	DateStart time.Time `json:"date_start" binding:"required"`
	// DateEnd は終了日時（RFC3339形式）。
	DateEnd time.Time `json:"date_end" binding:"required"`
	// Location は開催場所。
	Location string `json:"location" binding:"required"`
	// IsActive は公開フラグ。省略時はtrue。
	IsActive *bool `json:"is_active"`
}

// eventResponse はイベントのJSONレスポンス構造。
type eventResponse struct {
	// ID はイベントの一意識別子。
	ID string `json:"id"`
	// Title はイベントのタイトル。
	Title string `json:"title"`
	// Description はイベントの説明。
	Description string `json:"description"`
	// DateStart は開始日時。
	DateStart string `json:"date_start"`
	// DateEnd は終了日時。
	DateEnd string `json:"date_end"`
	// Location は開催場所。
	Location string `json:"location"`
	// IsActive は公開フラグ。
	IsActive bool `json:"is_active"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt string `json:"updated_at"`
}

// toEventResponse はイベントレコードをJSONレスポンスに変換する。
func toEventResponse(e *event) eventResponse {
	return eventResponse{
		ID:          e.ID,
		Title:       e.Title,
		Description: e.Description,
		DateStart:   e.DateStart.Format(timeFormat),
		DateEnd:     e.DateEnd.Format(timeFormat),
		Location:    e.Location,
		IsActive:    e.IsActive,
		CreatedAt:   e.CreatedAt.Format(timeFormat),
		UpdatedAt:   e.UpdatedAt.Format(timeFormat),
	}
}

// eventColumns はSELECT句で取得するカラムの並び。scanEventと同期すること。
const eventColumns = "id, title, description, date_start, date_end, location, is_active, created_at, updated_at"

// scanEvent は1行をイベントレコードに変換する。
func scanEvent(row interface{ Scan(dest ...any) error }) (*event, error) {
	var (
		e                    event
		isActive             int
		dateStart, dateEnd   string
		createdAt, updatedAt string
	)
	err := row.Scan(&e.ID, &e.Title, &e.Description, &dateStart, &dateEnd,
		&e.Location, &isActive, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.IsActive = isActive != 0
	if e.DateStart, err = time.Parse(timeFormat, dateStart); err != nil {
		return nil, fmt.Errorf("開始日時のパースに失敗: %w", err)
	}
	if e.DateEnd, err = time.Parse(timeFormat, dateEnd); err != nil {
		return nil, fmt.Errorf("終了日時のパースに失敗: %w", err)
	}
	if e.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("作成日時のパースに失敗: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("更新日時のパースに失敗: %w", err)
	}
	return &e, nil
}

// getEvent はIDでイベントを取得する。
func (s *Server) getEvent(ctx context.Context, id string) (*event, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	return scanEvent(row)
}

// handleList はイベント一覧取得を処理するハンドラを返す。
// 開始日時の降順で返す。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := s.db.QueryContext(c.Request.Context(),
			"SELECT "+eventColumns+" FROM events ORDER BY date_start DESC")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "イベント一覧の取得に失敗しました"})
			log.Printf("イベント一覧取得エラー: %v", err)
			return
		}
		defer func() { _ = rows.Close() }()

		responses := []eventResponse{}
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"message": "イベント一覧の取得に失敗しました"})
				log.Printf("イベント読み取りエラー: %v", err)
				return
			}
			responses = append(responses, toEventResponse(e))
		}
		if err := rows.Err(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "イベント一覧の取得に失敗しました"})
			log.Printf("イベント一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, responses)
	}
}

// handleGetByID はイベント詳細取得を処理するハンドラを返す。
func (s *Server) handleGetByID() gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := s.getEvent(c.Request.Context(), c.Param("id"))
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"message": "イベントが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "イベントの取得に失敗しました"})
			log.Printf("イベント取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toEventResponse(e))
	}
}

// handleCreate はイベント作成を処理するハンドラを返す。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req eventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if req.DateEnd.Before(req.DateStart) {
			c.JSON(http.StatusBadRequest, gin.H{"message": "終了日時は開始日時より後である必要があります"})
			return
		}

		isActive := true
		if req.IsActive != nil {
			isActive = *req.IsActive
		}

		eventID := uuid.New().String()
		now := time.Now().UTC().Format(timeFormat)
		_, err := s.db.ExecContext(c.Request.Context(), `
			INSERT INTO events (id, title, description, date_start, date_end, location, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eventID, req.Title, req.Description,
			req.DateStart.UTC().Format(timeFormat), req.DateEnd.UTC().Format(timeFormat),
			req.Location, boolToInt(isActive), now, now)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "イベントの作成に失敗しました"})
			log.Printf("イベント作成エラー: %v", err)
			return
		}

		created, err := s.getEvent(c.Request.Context(), eventID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "作成したイベントの取得に失敗しました"})
			log.Printf("イベント取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, toEventResponse(created))
	}
}

// handleUpdate はイベント更新を処理するハンドラを返す。
func (s *Server) handleUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req eventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if req.DateEnd.Before(req.DateStart) {
			c.JSON(http.StatusBadRequest, gin.H{"message": "終了日時は開始日時より後である必要があります"})
			return
		}

		isActive := true
		if req.IsActive != nil {
			isActive = *req.IsActive
		}

		eventID := c.Param("id")
		result, err := s.db.ExecContext(c.Request.Context(), `
			UPDATE events SET title = ?, description = ?, date_start = ?, date_end = ?, location = ?, is_active = ?, updated_at = ?
			WHERE id = ?`,
			req.Title, req.Description,
			req.DateStart.UTC().Format(timeFormat), req.DateEnd.UTC().Format(timeFormat),
			req.Location, boolToInt(isActive), time.Now().UTC().Format(timeFormat), eventID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "イベントの更新に失敗しました"})
			log.Printf("イベント更新エラー: %v", err)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			c.JSON(http.StatusNotFound, gin.H{"message": "イベントが見つかりません"})
			return
		}

		updated, err := s.getEvent(c.Request.Context(), eventID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "更新後のイベントの取得に失敗しました"})
			log.Printf("イベント取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toEventResponse(updated))
	}
}

// handleDelete はイベント削除を処理するハンドラを返す。
// 成功時はボディなしの204を返す。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := s.db.ExecContext(c.Request.Context(), "DELETE FROM events WHERE id = ?", c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "イベントの削除に失敗しました"})
			log.Printf("イベント削除エラー: %v", err)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			c.JSON(http.StatusNotFound, gin.H{"message": "イベントが見つかりません"})
			return
		}

		c.Status(http.StatusNoContent)
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
