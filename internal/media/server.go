package media

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kyohei/blog-engine/pkg/middleware"
)

// timeFormat はデータベースに保存する日時の形式。
const timeFormat = time.RFC3339

// maxUploadSize はアップロード可能なファイルの最大サイズ（5MB）。
const maxUploadSize = 5 << 20

// allowedContentTypes はアップロードを許可する画像のMIMEタイプ。
var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// Server はメディアサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。メタデータのみ保持する。
	db *sql.DB
	// store は画像本体の保存先。
	store objectStore
	// publicBaseURL は公開URLのベース（例: "http://localhost:9000/blog-media"）。
	publicBaseURL string
	// jwtSecret はJWT署名用の秘密鍵。全サービスで共有する。
	jwtSecret string
}

// NewServer は新しいメディアサーバーを生成する。
// MinIOへの接続とバケットの初期化も行う。
func NewServer(port string) (*Server, error) {
	dbPath := getEnvOr("MEDIA_DB_PATH", "/data/media.db")
	sqlDB, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	endpoint := getEnvOr("MINIO_ENDPOINT", "localhost:9000")
	accessKey := getEnvOr("MINIO_ACCESS_KEY", "minioadmin")
	secretKey := getEnvOr("MINIO_SECRET_KEY", "minioadmin")
	bucket := getEnvOr("MINIO_BUCKET", "blog-media")
	useSSL := os.Getenv("MINIO_USE_SSL") == "true"

	store, err := newMinioStore(endpoint, accessKey, secretKey, bucket, useSSL)
	if err != nil {
		return nil, fmt.Errorf("オブジェクトストレージ初期化に失敗: %w", err)
	}

	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	publicBaseURL := getEnvOr("MINIO_PUBLIC_URL", fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucket))

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.MaxMultipartMemory = maxUploadSize

	s := &Server{
		router:        router,
		port:          port,
		db:            sqlDB,
		store:         store,
		publicBaseURL: publicBaseURL,
		jwtSecret:     jwtSecret,
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
	medias := s.router.Group("/api/medias")
	{
		// メディア一覧（?folder=で絞り込み、認証不要）
		medias.GET("", s.handleList())
		// フォルダ一覧（認証不要）
		medias.GET("/folders", s.handleListFolders())

		// 管理系エンドポイント（要認証）
		authed := medias.Group("")
		authed.Use(middleware.JWTAuth(s.jwtSecret))
		{
			// 画像のアップロード（マルチパートフォーム）
			authed.POST("", s.handleUpload())
			// 画像の削除
			authed.DELETE("/:id", s.handleDelete())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "media"})
	})
}

// mediaResponse はメディアのJSONレスポンス構造。
type mediaResponse struct {
	// ID はメディアの一意識別子。
	ID string `json:"id"`
	// Filename は元のファイル名。
	Filename string `json:"filename"`
	// URL は公開URL。
	URL string `json:"url"`
	// ContentType はファイルのMIMEタイプ。
	ContentType string `json:"content_type"`
	// Size はファイルサイズ（バイト）。
	Size int64 `json:"size"`
	// Folder は保存先フォルダ名。
	Folder string `json:"folder"`
	// CreatedAt はアップロード日時。
	CreatedAt string `json:"created_at"`
}

// handleUpload は画像のアップロードを処理するハンドラを返す。
// マルチパートフォームからファイルを受け取り、MinIOに保存してから
// メタデータをデータベースに記録する。
func (s *Server) handleUpload() gin.HandlerFunc {
	return func(c *gin.Context) {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("ファイルの取得に失敗しました: %v", err)})
			return
		}
		defer file.Close()

		if header.Size > maxUploadSize {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("ファイルサイズが上限を超えています（最大%dMB）", maxUploadSize/(1<<20))})
			return
		}

		contentType := header.Header.Get("Content-Type")
		if !allowedContentTypes[contentType] {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("許可されていないContent-Typeです: %s", contentType)})
			return
		}

		folder := c.PostForm("folder")
		if folder == "" {
			folder = "uploads"
		}

		mediaID := uuid.New().String()
		filename := filepath.Base(header.Filename)
		objectName := fmt.Sprintf("%s/%s%s", folder, mediaID, filepath.Ext(filename))

		if err := s.store.Put(c.Request.Context(), objectName, file, header.Size, contentType); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "ファイルの保存に失敗しました"})
			log.Printf("オブジェクト保存エラー: %v", err)
			return
		}

		url := s.publicBaseURL + "/" + objectName
		now := time.Now().UTC().Format(timeFormat)
		_, err = s.db.ExecContext(c.Request.Context(), `
			INSERT INTO medias (id, filename, object_name, url, content_type, size, folder, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			mediaID, filename, objectName, url, contentType, header.Size, folder, now)
		if err != nil {
			// メタデータの記録に失敗したら保存済みオブジェクトを片付ける
			if removeErr := s.store.Remove(c.Request.Context(), objectName); removeErr != nil {
				log.Printf("オブジェクトのクリーンアップに失敗: %v", removeErr)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"message": "メタデータの記録に失敗しました"})
			log.Printf("メタデータ記録エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, mediaResponse{
			ID:          mediaID,
			Filename:    filename,
			URL:         url,
			ContentType: contentType,
			Size:        header.Size,
			Folder:      folder,
			CreatedAt:   now,
		})
	}
}

// handleList はメディア一覧取得を処理するハンドラを返す。
// folderクエリパラメータで保存先フォルダを絞り込める。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		query := "SELECT id, filename, url, content_type, size, folder, created_at FROM medias ORDER BY created_at DESC"
		args := []any{}
		if folder := c.Query("folder"); folder != "" {
			query = "SELECT id, filename, url, content_type, size, folder, created_at FROM medias WHERE folder = ? ORDER BY created_at DESC"
			args = append(args, folder)
		}

		rows, err := s.db.QueryContext(c.Request.Context(), query, args...)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "メディア一覧の取得に失敗しました"})
			log.Printf("メディア一覧取得エラー: %v", err)
			return
		}
		defer func() { _ = rows.Close() }()

		responses := []mediaResponse{}
		for rows.Next() {
			var m mediaResponse
			if err := rows.Scan(&m.ID, &m.Filename, &m.URL, &m.ContentType, &m.Size, &m.Folder, &m.CreatedAt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"message": "メディア一覧の取得に失敗しました"})
				log.Printf("メディア読み取りエラー: %v", err)
				return
			}
			responses = append(responses, m)
		}
		if err := rows.Err(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "メディア一覧の取得に失敗しました"})
			log.Printf("メディア一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, responses)
	}
}

// handleListFolders はフォルダ一覧取得を処理するハンドラを返す。
func (s *Server) handleListFolders() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := s.db.QueryContext(c.Request.Context(),
			"SELECT DISTINCT folder FROM medias ORDER BY folder")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "フォルダ一覧の取得に失敗しました"})
			log.Printf("フォルダ一覧取得エラー: %v", err)
			return
		}
		defer func() { _ = rows.Close() }()

		folders := []string{}
		for rows.Next() {
			var folder string
			if err := rows.Scan(&folder); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"message": "フォルダ一覧の取得に失敗しました"})
				log.Printf("フォルダ読み取りエラー: %v", err)
				return
			}
			folders = append(folders, folder)
		}
		if err := rows.Err(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "フォルダ一覧の取得に失敗しました"})
			log.Printf("フォルダ一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, folders)
	}
}

// handleDelete は画像の削除を処理するハンドラを返す。
// MinIOのオブジェクトを削除してからメタデータの行を削除する。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		mediaID := c.Param("id")

		var objectName string
		err := s.db.QueryRowContext(c.Request.Context(),
			"SELECT object_name FROM medias WHERE id = ?", mediaID).Scan(&objectName)
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"message": "メディアが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "メディアの取得に失敗しました"})
			log.Printf("メディア取得エラー: %v", err)
			return
		}

		if err := s.store.Remove(c.Request.Context(), objectName); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "ファイルの削除に失敗しました"})
			log.Printf("オブジェクト削除エラー: %v", err)
			return
		}

		if _, err := s.db.ExecContext(c.Request.Context(),
			"DELETE FROM medias WHERE id = ?", mediaID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "メタデータの削除に失敗しました"})
			log.Printf("メタデータ削除エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "メディアを削除しました"})
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
