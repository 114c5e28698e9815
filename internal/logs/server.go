package logs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kyohei/blog-engine/pkg/middleware"
)

// timeFormat はデータベースに保存する日時の形式。
const timeFormat = time.RFC3339

// defaultLimit は一覧取得時のデフォルト件数。
const defaultLimit = 100

// maxLimit は一覧取得時の最大件数。
const maxLimit = 1000

// allowedLevels は受け付けるログレベル。
var allowedLevels = map[string]bool{
	"info":  true,
	"warn":  true,
	"error": true,
}

// Server はログ収集サービスのHTTPサーバー。
// 他のサービスから送られたアプリケーションログを蓄積する。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewServer は新しいログサーバーを生成する。
func NewServer(port string) (*Server, error) {
	dbPath := getEnvOr("LOGS_DB_PATH", "/data/logs.db")
	sqlDB, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router: router,
		port:   port,
		db:     sqlDB,
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
	// ログの記録（サービス間通信用、認証不要）
	s.router.POST("/logs", s.handleCreate())
	// ログの検索
	s.router.GET("/logs", s.handleList())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "logs"})
	})
}

// createLogRequest はログ記録リクエストのJSON構造。
type createLogRequest struct {
	// Level はログレベル（info/warn/error）。
	Level string `json:"level" binding:"required"`
	// Message はログメッセージ。
	Message string `json:"message" binding:"required"`
	// Service はログの発生元サービス名。
	Service string `json:"service" binding:"required"`
	// Metadata は任意の付加情報。
	Metadata json.RawMessage `json:"metadata"`
}

// logResponse はログのJSONレスポンス構造。
type logResponse struct {
	// ID はログの一意識別子。
	ID string `json:"id"`
	// Level はログレベル。
	Level string `json:"level"`
	// Message はログメッセージ。
	Message string `json:"message"`
	// Service はログの発生元サービス名。
	Service string `json:"service"`
	// Metadata は任意の付加情報。
	Metadata json.RawMessage `json:"metadata"`
	// CreatedAt は記録日時。
	CreatedAt string `json:"created_at"`
}

// handleCreate はログ記録を処理するハンドラを返す。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createLogRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if !allowedLevels[req.Level] {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("不正なログレベルです: %s（info/warn/errorのみ）", req.Level)})
			return
		}

		metadata := "{}"
		if len(req.Metadata) > 0 {
			metadata = string(req.Metadata)
		}

		logID := uuid.New().String()
		now := time.Now().UTC().Format(timeFormat)
		_, err := s.db.ExecContext(c.Request.Context(), `
			INSERT INTO logs (id, level, message, service, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			logID, req.Level, req.Message, req.Service, metadata, now)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "ログの記録に失敗しました"})
			log.Printf("ログ記録エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, logResponse{
			ID:        logID,
			Level:     req.Level,
			Message:   req.Message,
			Service:   req.Service,
			Metadata:  json.RawMessage(metadata),
			CreatedAt: now,
		})
	}
}

// handleList はログの検索を処理するハンドラを返す。
// service、levelクエリパラメータで絞り込み、limitで件数を制限する。
// 新しいものから順に返す。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		query := "SELECT id, level, message, service, metadata, created_at FROM logs"
		conditions := []string{}
		args := []any{}

		if service := c.Query("service"); service != "" {
			conditions = append(conditions, "service = ?")
			args = append(args, service)
		}
		if level := c.Query("level"); level != "" {
			if !allowedLevels[level] {
				c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("不正なログレベルです: %s", level)})
				return
			}
			conditions = append(conditions, "level = ?")
			args = append(args, level)
		}

		for i, cond := range conditions {
			if i == 0 {
				query += " WHERE " + cond
			} else {
				query += " AND " + cond
			}
		}

		limit := defaultLimit
		if limitStr := c.Query("limit"); limitStr != "" {
			parsed, err := strconv.Atoi(limitStr)
			if err != nil || parsed < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("不正なlimitです: %s", limitStr)})
				return
			}
			if parsed > maxLimit {
				parsed = maxLimit
			}
			limit = parsed
		}

		query += " ORDER BY created_at DESC LIMIT ?"
		args = append(args, limit)

		rows, err := s.db.QueryContext(c.Request.Context(), query, args...)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "ログの検索に失敗しました"})
			log.Printf("ログ検索エラー: %v", err)
			return
		}
		defer func() { _ = rows.Close() }()

		responses := []logResponse{}
		for rows.Next() {
			var (
				r        logResponse
				metadata string
			)
			if err := rows.Scan(&r.ID, &r.Level, &r.Message, &r.Service, &metadata, &r.CreatedAt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"message": "ログの検索に失敗しました"})
				log.Printf("ログ読み取りエラー: %v", err)
				return
			}
			r.Metadata = json.RawMessage(metadata)
			responses = append(responses, r)
		}
		if err := rows.Err(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "ログの検索に失敗しました"})
			log.Printf("ログ検索エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, responses)
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
