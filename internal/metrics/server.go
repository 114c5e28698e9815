package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/kyohei/blog-engine/pkg/middleware"
)

// Server は集計サービスのHTTPサーバー。
// 各サービスのデータベースファイルを直接読み、管理画面の
// ダッシュボードに表示する件数を集計する。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// dataDir は各サービスのデータベースファイルが置かれるディレクトリ。
	dataDir string
	// jwtSecret はJWT署名用の秘密鍵。全サービスで共有する。
	jwtSecret string
}

// NewServer は新しい集計サーバーを生成する。
func NewServer(port string) (*Server, error) {
	dataDir := getEnvOr("DATA_DIR", "/data")

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
		dataDir:   dataDir,
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
	// 集計結果の取得（管理画面用、要認証）
	authed := s.router.Group("")
	authed.Use(middleware.JWTAuth(s.jwtSecret))
	{
		authed.GET("/metrics", s.handleGetMetrics())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "metrics"})
	})
}

// activeCounts は公開フラグ別の件数。
type activeCounts struct {
	// Total は全件数。
	Total int `json:"total"`
	// Active は公開中の件数。
	Active int `json:"active"`
	// Inactive は非公開の件数。
	Inactive int `json:"inactive"`
}

// metricsResponse は集計結果のJSONレスポンス構造。
type metricsResponse struct {
	// Posts は投稿の総数。
	Posts struct {
		Total int `json:"total"`
	} `json:"posts"`
	// Users はユーザーの件数。
	Users activeCounts `json:"users"`
	// Ads は広告の件数。
	Ads activeCounts `json:"ads"`
	// Polls はアンケートの件数。
	Polls activeCounts `json:"polls"`
}

// handleGetMetrics は集計結果の取得を処理するハンドラを返す。
// 対象サービスのデータベースファイルがまだ存在しない場合、
// そのサービスの件数は0として返す。
func (s *Server) handleGetMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		var resp metricsResponse

		total, err := s.countRows(ctx, "write.db", "posts")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "集計に失敗しました"})
			log.Printf("投稿の集計エラー: %v", err)
			return
		}
		resp.Posts.Total = total

		for _, target := range []struct {
			dbFile string
			table  string
			dest   *activeCounts
		}{
			{"auth.db", "users", &resp.Users},
			{"ads.db", "ads", &resp.Ads},
			{"polls.db", "polls", &resp.Polls},
		} {
			counts, err := s.countByActive(ctx, target.dbFile, target.table)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"message": "集計に失敗しました"})
				log.Printf("%sの集計エラー: %v", target.table, err)
				return
			}
			*target.dest = counts
		}

		c.JSON(http.StatusOK, resp)
	}
}

// openServiceDB は対象サービスのデータベースファイルを読み取り専用で開く。
// ファイルが存在しない場合はnilを返す。
func (s *Server) openServiceDB(dbFile string) (*sql.DB, error) {
	path := filepath.Join(s.dataDir, dbFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	return db, nil
}

// countRows は対象テーブルの総件数を返す。
func (s *Server) countRows(ctx context.Context, dbFile, table string) (int, error) {
	db, err := s.openServiceDB(dbFile)
	if err != nil {
		return 0, err
	}
	if db == nil {
		return 0, nil
	}
	defer func() { _ = db.Close() }()

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		return 0, fmt.Errorf("%sの件数取得に失敗: %w", table, err)
	}
	return count, nil
}

// countByActive は対象テーブルの件数を公開フラグ別に返す。
func (s *Server) countByActive(ctx context.Context, dbFile, table string) (activeCounts, error) {
	db, err := s.openServiceDB(dbFile)
	if err != nil {
		return activeCounts{}, err
	}
	if db == nil {
		return activeCounts{}, nil
	}
	defer func() { _ = db.Close() }()

	var counts activeCounts
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(is_active), 0) FROM "+table).Scan(&counts.Total, &counts.Active)
	if err != nil {
		return activeCounts{}, fmt.Errorf("%sの件数取得に失敗: %w", table, err)
	}
	counts.Inactive = counts.Total - counts.Active
	return counts, nil
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
