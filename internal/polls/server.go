package polls

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

// Server はアンケートサービスのHTTPサーバー。
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

// NewServer は新しいアンケートサーバーを生成する。
func NewServer(port string) (*Server, error) {
	dbPath := getEnvOr("POLLS_DB_PATH", "/data/polls.db")
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
	// アンケート一覧（認証不要）
	s.router.GET("/polls", s.handleList())
	// 実施中のアンケート一覧（ブログフロントエンド用、認証不要）
	s.router.GET("/polls/active", s.handleListActive())
	// 投票（認証不要）
	s.router.POST("/polls/:id/vote", s.handleVote())

	// 管理系エンドポイント（要認証）
	authed := s.router.Group("/polls")
	authed.Use(middleware.JWTAuth(s.jwtSecret))
	{
		// アンケート作成
		authed.POST("", s.handleCreate())
		// アンケート更新
		authed.PATCH("/:id", s.handleUpdate())
		// アンケート削除
		authed.DELETE("/:id", s.handleDelete())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "polls"})
	})
}

// poll はアンケートレコードを表す。
type poll struct {
	ID        string
	Question  string
	Answers   []answer
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// answer はアンケートの回答選択肢を表す。
type answer struct {
	// Title は選択肢のラベル。
	Title string
	// Votes は得票数。
	Votes int
}

// createPollRequest はアンケート作成リクエストのJSON構造。
type createPollRequest struct {
	// Question はアンケートの質問文。
	Question string `json:"question" binding:"required"`
	// Answers は回答選択肢のラベル一覧。最低2つ必要。
	Answers []string `json:"answers" binding:"required,min=2"`
	// IsActive は実施フラグ。省略時はtrue。
	IsActive *bool `json:"is_active"`
}

// updatePollRequest はアンケート更新リクエストのJSON構造。
// 指定されたフィールドのみ更新する。
type updatePollRequest struct {
	// Question はアンケートの質問文。
	Question *string `json:"question"`
	// IsActive は実施フラグ。
	IsActive *bool `json:"is_active"`
}

// voteRequest は投票リクエストのJSON構造。
type voteRequest struct {
	// AnswerIndex は投票先の選択肢のインデックス。
	AnswerIndex *int `json:"answer_index" binding:"required"`
}

// answerResponse は回答選択肢のJSONレスポンス構造。
type answerResponse struct {
	// Title は選択肢のラベル。
	Title string `json:"title"`
	// Votes は得票数。
	Votes int `json:"votes"`
}

// pollResponse はアンケートのJSONレスポンス構造。
type pollResponse struct {
	// ID はアンケートの一意識別子。
	ID string `json:"id"`
	// Question はアンケートの質問文。
	Question string `json:"question"`
	// Answers は回答選択肢と得票数の一覧。
	Answers []answerResponse `json:"answers"`
	// IsActive は実施フラグ。
	IsActive bool `json:"is_active"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt string `json:"updated_at"`
}

// toPollResponse はアンケートレコードをJSONレスポンスに変換する。
func toPollResponse(p *poll) pollResponse {
	answers := make([]answerResponse, 0, len(p.Answers))
	for _, a := range p.Answers {
		answers = append(answers, answerResponse{Title: a.Title, Votes: a.Votes})
	}
	return pollResponse{
		ID:        p.ID,
		Question:  p.Question,
		Answers:   answers,
		IsActive:  p.IsActive,
		CreatedAt: p.CreatedAt.Format(timeFormat),
		UpdatedAt: p.UpdatedAt.Format(timeFormat),
	}
}

// getPoll はIDでアンケートを回答選択肢込みで取得する。
func (s *Server) getPoll(ctx context.Context, id string) (*poll, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, question, is_active, created_at, updated_at FROM polls WHERE id = ?", id)

	var (
		p                    poll
		isActive             int
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.Question, &isActive, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.IsActive = isActive != 0
	if p.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("作成日時のパースに失敗: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("更新日時のパースに失敗: %w", err)
	}

	if p.Answers, err = s.loadAnswers(ctx, id); err != nil {
		return nil, err
	}
	return &p, nil
}

// loadAnswers はアンケートの回答選択肢をインデックス順に取得する。
func (s *Server) loadAnswers(ctx context.Context, pollID string) ([]answer, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT title, votes FROM poll_answers WHERE poll_id = ? ORDER BY answer_index", pollID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var answers []answer
	for rows.Next() {
		var a answer
		if err := rows.Scan(&a.Title, &a.Votes); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// listPolls は条件に合うアンケートを作成日時の降順で取得する。
func (s *Server) listPolls(ctx context.Context, activeOnly bool) ([]*poll, error) {
	query := "SELECT id FROM polls ORDER BY created_at DESC"
	if activeOnly {
		query = "SELECT id FROM polls WHERE is_active = 1 ORDER BY created_at DESC"
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	polls := make([]*poll, 0, len(ids))
	for _, id := range ids {
		p, err := s.getPoll(ctx, id)
		if err != nil {
			return nil, err
		}
		polls = append(polls, p)
	}
	return polls, nil
}

// handleList はアンケート一覧取得を処理するハンドラを返す。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		polls, err := s.listPolls(c.Request.Context(), false)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "アンケート一覧の取得に失敗しました"})
			log.Printf("アンケート一覧取得エラー: %v", err)
			return
		}

		responses := make([]pollResponse, 0, len(polls))
		for _, p := range polls {
			responses = append(responses, toPollResponse(p))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleListActive は実施中のアンケート一覧取得を処理するハンドラを返す。
func (s *Server) handleListActive() gin.HandlerFunc {
	return func(c *gin.Context) {
		polls, err := s.listPolls(c.Request.Context(), true)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "アンケート一覧の取得に失敗しました"})
			log.Printf("実施中アンケート一覧取得エラー: %v", err)
			return
		}

		responses := make([]pollResponse, 0, len(polls))
		for _, p := range polls {
			responses = append(responses, toPollResponse(p))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleCreate はアンケート作成を処理するハンドラを返す。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createPollRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		isActive := true
		if req.IsActive != nil {
			isActive = *req.IsActive
		}

		pollID := uuid.New().String()
		now := time.Now().UTC().Format(timeFormat)

		tx, err := s.db.BeginTx(c.Request.Context(), nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "アンケートの作成に失敗しました"})
			log.Printf("トランザクション開始エラー: %v", err)
			return
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(c.Request.Context(), `
			INSERT INTO polls (id, question, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			pollID, req.Question, boolToInt(isActive), now, now)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "アンケートの作成に失敗しました"})
			log.Printf("アンケート作成エラー: %v", err)
			return
		}

		for i, title := range req.Answers {
			_, err = tx.ExecContext(c.Request.Context(), `
				INSERT INTO poll_answers (poll_id, answer_index, title, votes)
				VALUES (?, ?, ?, 0)`, pollID, i, title)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"message": "アンケートの作成に失敗しました"})
				log.Printf("回答選択肢作成エラー: %v", err)
				return
			}
		}

		if err := tx.Commit(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "アンケートの作成に失敗しました"})
			log.Printf("コミットエラー: %v", err)
			return
		}

		created, err := s.getPoll(c.Request.Context(), pollID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "作成したアンケートの取得に失敗しました"})
			log.Printf("アンケート取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, toPollResponse(created))
	}
}

// handleUpdate はアンケート更新を処理するハンドラを返す。
// 質問文と実施フラグのみ変更できる。回答選択肢の変更は既存の
// 得票を壊すため許可しない。
func (s *Server) handleUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updatePollRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if req.Question == nil && req.IsActive == nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "更新するフィールドがありません"})
			return
		}

		pollID := c.Param("id")
		current, err := s.getPoll(c.Request.Context(), pollID)
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"message": "アンケートが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "アンケートの取得に失敗しました"})
			log.Printf("アンケート取得エラー: %v", err)
			return
		}

		question := current.Question
		if req.Question != nil {
			question = *req.Question
		}
		isActive := current.IsActive
		if req.IsActive != nil {
			isActive = *req.IsActive
		}

		_, err = s.db.ExecContext(c.Request.Context(), `
			UPDATE polls SET question = ?, is_active = ?, updated_at = ? WHERE id = ?`,
			question, boolToInt(isActive), time.Now().UTC().Format(timeFormat), pollID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "アンケートの更新に失敗しました"})
			log.Printf("アンケート更新エラー: %v", err)
			return
		}

		updated, err := s.getPoll(c.Request.Context(), pollID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "更新後のアンケートの取得に失敗しました"})
			log.Printf("アンケート取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toPollResponse(updated))
	}
}

// handleDelete はアンケート削除を処理するハンドラを返す。
// 回答選択肢も同一トランザクションで削除する。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		tx, err := s.db.BeginTx(c.Request.Context(), nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "アンケートの削除に失敗しました"})
			log.Printf("トランザクション開始エラー: %v", err)
			return
		}
		defer func() { _ = tx.Rollback() }()

		pollID := c.Param("id")
		if _, err := tx.ExecContext(c.Request.Context(),
			"DELETE FROM poll_answers WHERE poll_id = ?", pollID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "アンケートの削除に失敗しました"})
			log.Printf("回答選択肢削除エラー: %v", err)
			return
		}

		result, err := tx.ExecContext(c.Request.Context(), "DELETE FROM polls WHERE id = ?", pollID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "アンケートの削除に失敗しました"})
			log.Printf("アンケート削除エラー: %v", err)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			c.JSON(http.StatusNotFound, gin.H{"message": "アンケートが見つかりません"})
			return
		}

		if err := tx.Commit(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "アンケートの削除に失敗しました"})
			log.Printf("コミットエラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "アンケートを削除しました"})
	}
}

// handleVote は投票を処理するハンドラを返す。
// 得票数の加算はSQLのUPDATE一文で行い、並行する投票が
// 互いの加算を失わせないようにする。
func (s *Server) handleVote() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req voteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		pollID := c.Param("id")
		if _, err := s.getPoll(c.Request.Context(), pollID); err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"message": "アンケートが見つかりません"})
			return
		} else if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "アンケートの取得に失敗しました"})
			log.Printf("アンケート取得エラー: %v", err)
			return
		}

		result, err := s.db.ExecContext(c.Request.Context(), `
			UPDATE poll_answers SET votes = votes + 1 WHERE poll_id = ? AND answer_index = ?`,
			pollID, *req.AnswerIndex)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "投票に失敗しました"})
			log.Printf("投票エラー: %v", err)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "回答のインデックスが範囲外です"})
			return
		}

		voted, err := s.getPoll(c.Request.Context(), pollID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "投票後のアンケートの取得に失敗しました"})
			log.Printf("アンケート取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toPollResponse(voted))
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
