package users

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/kyohei/blog-engine/internal/identity"
	"github.com/kyohei/blog-engine/pkg/middleware"
)

// Server はユーザーサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store はユーザー識別情報ストア。認証サービスと同じ
	// データベースファイルを共有する。
	store *identity.Store
	// db はSQLiteデータベース接続。
	db *sql.DB
	// jwtSecret はJWT署名用の秘密鍵。全サービスで共有する。
	jwtSecret string
}

// NewServer は新しいユーザーサーバーを生成する。
func NewServer(port string) (*Server, error) {
	dbPath := getEnvOr("USERS_DB_PATH", "/data/auth.db")
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

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:    router,
		port:      port,
		store:     store,
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
// ゲートウェイ経由・直接アクセスのどちらでも同じ認証が適用される。
func (s *Server) setupRoutes() {
	users := s.router.Group("/api/users")
	users.Use(middleware.JWTAuth(s.jwtSecret))
	{
		// ユーザー一覧取得
		users.GET("", s.handleList())
		// ユーザー詳細取得
		users.GET("/:id", s.handleGetByID())
		// ユーザー作成（管理者のみ）
		users.POST("", middleware.RequireAdmin(), s.handleCreate())
		// ユーザー更新
		users.PUT("/:id", s.handleUpdate())
		// ロール変更（管理者のみ）
		users.PUT("/:id/role", middleware.RequireAdmin(), s.handleUpdateRole())
		// ユーザー削除（管理者のみ）
		users.DELETE("/:id", middleware.RequireAdmin(), s.handleDelete())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "users"})
	})
}

// createUserRequest はユーザー作成リクエストのJSON構造。
type createUserRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required"`
	// Name は表示名。
	Name string `json:"name" binding:"required"`
	// Password は平文パスワード。
	Password string `json:"password" binding:"required"`
	// IsActive はアカウントの有効フラグ。省略時はtrue。
	IsActive *bool `json:"is_active"`
}

// updateUserRequest はユーザー更新リクエストのJSON構造。
type updateUserRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required"`
	// Name は表示名。
	Name string `json:"name" binding:"required"`
	// IsActive はアカウントの有効フラグ。
	IsActive bool `json:"is_active"`
	// Password は新しいパスワード。指定時のみ更新する。
	Password string `json:"password"`
}

// updateRoleRequest はロール変更リクエストのJSON構造。
type updateRoleRequest struct {
	// Role は新しいロール（user または admin）。
	Role string `json:"role" binding:"required"`
}

// userResponse はユーザー情報のJSONレスポンス構造。
// 認証情報（パスワードハッシュ）は含まない。
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
	// HasGoogle はGoogleアカウントが連携済みかどうか。
	HasGoogle bool `json:"has_google"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt string `json:"updated_at"`
}

// toUserResponse は識別情報をJSONレスポンスに変換する。
func toUserResponse(id *identity.Identity) userResponse {
	return userResponse{
		ID:        id.ID,
		Email:     id.Email,
		Name:      id.Name,
		Role:      string(id.Role),
		IsActive:  id.IsActive,
		HasGoogle: id.External != nil,
		CreatedAt: id.CreatedAt.Format("2006-01-02T15:04:05Z"),
		UpdatedAt: id.UpdatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

// handleList はユーザー一覧取得を処理するハンドラを返す。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		identities, err := s.store.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "ユーザー一覧の取得に失敗しました"})
			log.Printf("ユーザー一覧取得エラー: %v", err)
			return
		}

		responses := make([]userResponse, 0, len(identities))
		for _, id := range identities {
			responses = append(responses, toUserResponse(id))
		}

		c.JSON(http.StatusOK, responses)
	}
}

// handleGetByID はユーザー詳細取得を処理するハンドラを返す。
func (s *Server) handleGetByID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := s.store.FindByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"message": "ユーザーが見つかりません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"message": "ユーザーの取得に失敗しました"})
			log.Printf("ユーザー取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toUserResponse(id))
	}
}

// handleCreate はユーザー作成を処理するハンドラを返す。
// メールアドレスの重複は400を返す。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		id, err := identity.NewLocal(req.Email, req.Name, req.Password)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "リクエストが不正です"})
			return
		}
		if req.IsActive != nil {
			id.IsActive = *req.IsActive
		}

		if err := s.store.Create(c.Request.Context(), id); err != nil {
			if errors.Is(err, identity.ErrDuplicateEmail) {
				c.JSON(http.StatusBadRequest, gin.H{"message": "ユーザーは既に存在します"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"message": "ユーザーの作成に失敗しました"})
			log.Printf("ユーザー作成エラー: %v", err)
			return
		}

		created, err := s.store.FindByID(c.Request.Context(), id.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "作成したユーザーの取得に失敗しました"})
			log.Printf("ユーザー取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, toUserResponse(created))
	}
}

// handleUpdate はユーザー更新を処理するハンドラを返す。
// プロフィールを更新し、パスワードが指定されていれば合わせて更新する。
func (s *Server) handleUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		userID := c.Param("id")
		if err := s.store.UpdateProfile(c.Request.Context(), userID, req.Email, req.Name, req.IsActive); err != nil {
			switch {
			case errors.Is(err, identity.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"message": "ユーザーが見つかりません"})
			case errors.Is(err, identity.ErrDuplicateEmail):
				c.JSON(http.StatusBadRequest, gin.H{"message": "メールアドレスが既に使用されています"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"message": "ユーザーの更新に失敗しました"})
				log.Printf("ユーザー更新エラー: %v", err)
			}
			return
		}

		if req.Password != "" {
			if err := s.store.SetPassword(c.Request.Context(), userID, req.Password); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"message": "パスワードの更新に失敗しました"})
				log.Printf("パスワード更新エラー: %v", err)
				return
			}
		}

		updated, err := s.store.FindByID(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "更新後のユーザーの取得に失敗しました"})
			log.Printf("ユーザー取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toUserResponse(updated))
	}
}

// handleUpdateRole はロール変更を処理するハンドラを返す。
func (s *Server) handleUpdateRole() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateRoleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		role := identity.Role(req.Role)
		if !role.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"message": "ロールが不正です"})
			return
		}

		userID := c.Param("id")
		if err := s.store.UpdateRole(c.Request.Context(), userID, role); err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"message": "ユーザーが見つかりません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"message": "ロールの更新に失敗しました"})
			log.Printf("ロール更新エラー: %v", err)
			return
		}

		updated, err := s.store.FindByID(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "更新後のユーザーの取得に失敗しました"})
			log.Printf("ユーザー取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toUserResponse(updated))
	}
}

// handleDelete はユーザー削除を処理するハンドラを返す。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"message": "ユーザーが見つかりません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"message": "ユーザーの削除に失敗しました"})
			log.Printf("ユーザー削除エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "ユーザーを削除しました"})
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
