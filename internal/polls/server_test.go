package polls

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/kyohei/blog-engine/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// newTestServer はテスト用のアンケートサーバーを生成する。
func newTestServer(t *testing.T) *Server {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDB接続に失敗: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	sqlDB.SetMaxOpenConns(1)

	if err := initSchema(sqlDB); err != nil {
		t.Fatalf("スキーマ初期化に失敗: %v", err)
	}

	router := gin.New()
	s := &Server{
		router:    router,
		port:      "0",
		db:        sqlDB,
		jwtSecret: testJWTSecret,
	}
	s.setupRoutes()

	return s
}

// testToken はテスト用のトークンを発行する。
func testToken(t *testing.T) string {
	t.Helper()

	tokenString, err := token.Issue(testJWTSecret, "admin-1", "admin@example.com", "admin")
	if err != nil {
		t.Fatalf("テスト用トークン発行に失敗: %v", err)
	}
	return tokenString
}

// doRequest は認証ヘッダー付きのリクエストを実行する。
func doRequest(s *Server, method, path, tokenString, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if tokenString != "" {
		req.Header.Set("Authorization", "Bearer "+tokenString)
	}
	s.router.ServeHTTP(w, req)
	return w
}

// createPoll はテスト用のアンケートを作成してレスポンスを返す。
func createPoll(t *testing.T, s *Server, body string) pollResponse {
	t.Helper()

	w := doRequest(s, http.MethodPost, "/polls", testToken(t), body)
	if w.Code != http.StatusCreated {
		t.Fatalf("アンケート作成に失敗: status=%d, body=%s", w.Code, w.Body.String())
	}

	var resp pollResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	return resp
}

// TestHandleCreate はアンケート作成ハンドラのテスト。
func TestHandleCreate(t *testing.T) {
	t.Parallel()

	t.Run("正常にアンケートを作成できる", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		resp := createPoll(t, s, `{
			"question": "好きなGoのWebフレームワークは？",
			"answers": ["gin", "echo", "chi"]
		}`)

		if resp.ID == "" {
			t.Error("IDが空です")
		}
		if len(resp.Answers) != 3 {
			t.Fatalf("回答選択肢の数が一致しません: got=%d, want=3", len(resp.Answers))
		}
		if resp.Answers[0].Title != "gin" || resp.Answers[0].Votes != 0 {
			t.Errorf("回答選択肢が一致しません: got=%+v", resp.Answers[0])
		}
		if !resp.IsActive {
			t.Error("is_activeのデフォルトはtrueであるべきです")
		}
	})

	t.Run("回答選択肢が1つだけなら400を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		w := doRequest(s, http.MethodPost, "/polls", testToken(t), `{
			"question": "q", "answers": ["only-one"]
		}`)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("トークンなしでは401を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		w := doRequest(s, http.MethodPost, "/polls", "", `{
			"question": "q", "answers": ["a", "b"]
		}`)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestHandleListActive は実施中アンケート一覧取得ハンドラのテスト。
func TestHandleListActive(t *testing.T) {
	t.Parallel()

	t.Run("実施中のアンケートのみ取得できる", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		createPoll(t, s, `{"question": "実施中", "answers": ["a", "b"]}`)
		createPoll(t, s, `{"question": "終了済み", "answers": ["a", "b"], "is_active": false}`)

		w := doRequest(s, http.MethodGet, "/polls/active", "", "")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusOK)
		}

		var polls []pollResponse
		if err := json.Unmarshal(w.Body.Bytes(), &polls); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if len(polls) != 1 {
			t.Fatalf("実施中アンケートの件数が一致しません: got=%d, want=1", len(polls))
		}
		if polls[0].Question != "実施中" {
			t.Errorf("質問文が一致しません: got=%s", polls[0].Question)
		}
	})
}

// TestHandleVote は投票ハンドラのテスト。
func TestHandleVote(t *testing.T) {
	t.Parallel()

	t.Run("認証なしで投票でき得票数が増える", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		created := createPoll(t, s, `{"question": "q", "answers": ["a", "b"]}`)

		w := doRequest(s, http.MethodPost, "/polls/"+created.ID+"/vote", "", `{"answer_index": 1}`)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが一致しません: got=%d, body=%s", w.Code, w.Body.String())
		}

		var resp pollResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if resp.Answers[1].Votes != 1 {
			t.Errorf("得票数が一致しません: got=%d, want=1", resp.Answers[1].Votes)
		}
		if resp.Answers[0].Votes != 0 {
			t.Errorf("投票していない選択肢の得票数が変わっています: got=%d", resp.Answers[0].Votes)
		}
	})

	t.Run("範囲外のインデックスは400を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		created := createPoll(t, s, `{"question": "q", "answers": ["a", "b"]}`)

		for _, idx := range []int{2, -1} {
			w := doRequest(s, http.MethodPost, "/polls/"+created.ID+"/vote", "",
				fmt.Sprintf(`{"answer_index": %d}`, idx))
			if w.Code != http.StatusBadRequest {
				t.Errorf("index=%d: ステータスコードが一致しません: got=%d, want=%d",
					idx, w.Code, http.StatusBadRequest)
			}
		}
	})

	t.Run("存在しないアンケートへの投票は404を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		w := doRequest(s, http.MethodPost, "/polls/no-such-id/vote", "", `{"answer_index": 0}`)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("並行する投票がすべて集計される", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		created := createPoll(t, s, `{"question": "q", "answers": ["a", "b"]}`)

		const votes = 8
		var wg sync.WaitGroup
		for i := 0; i < votes; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				doRequest(s, http.MethodPost, "/polls/"+created.ID+"/vote", "", `{"answer_index": 0}`)
			}()
		}
		wg.Wait()

		w := doRequest(s, http.MethodGet, "/polls", "", "")
		var polls []pollResponse
		if err := json.Unmarshal(w.Body.Bytes(), &polls); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if len(polls) != 1 {
			t.Fatalf("アンケートの件数が一致しません: got=%d", len(polls))
		}
		if polls[0].Answers[0].Votes != votes {
			t.Errorf("得票数が一致しません: got=%d, want=%d", polls[0].Answers[0].Votes, votes)
		}
	})
}

// TestHandleUpdate はアンケート更新ハンドラのテスト。
func TestHandleUpdate(t *testing.T) {
	t.Parallel()

	t.Run("実施フラグのみ更新できる", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		created := createPoll(t, s, `{"question": "q", "answers": ["a", "b"]}`)

		w := doRequest(s, http.MethodPatch, "/polls/"+created.ID, testToken(t), `{"is_active": false}`)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが一致しません: got=%d, body=%s", w.Code, w.Body.String())
		}

		var resp pollResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if resp.IsActive {
			t.Error("is_activeが更新されていません")
		}
		if resp.Question != "q" {
			t.Errorf("質問文が変わっています: got=%s", resp.Question)
		}
	})

	t.Run("更新フィールドが空なら400を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		created := createPoll(t, s, `{"question": "q", "answers": ["a", "b"]}`)

		w := doRequest(s, http.MethodPatch, "/polls/"+created.ID, testToken(t), `{}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("存在しないIDは404を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		w := doRequest(s, http.MethodPatch, "/polls/no-such-id", testToken(t), `{"is_active": false}`)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusNotFound)
		}
	})
}

// TestHandleDelete はアンケート削除ハンドラのテスト。
func TestHandleDelete(t *testing.T) {
	t.Parallel()

	t.Run("アンケートを削除すると回答選択肢も消える", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		created := createPoll(t, s, `{"question": "q", "answers": ["a", "b"]}`)

		w := doRequest(s, http.MethodDelete, "/polls/"+created.ID, testToken(t), "")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusOK)
		}

		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM poll_answers WHERE poll_id = ?", created.ID).Scan(&count)
		if err != nil {
			t.Fatalf("回答選択肢のカウントに失敗: %v", err)
		}
		if count != 0 {
			t.Errorf("回答選択肢が残っています: got=%d", count)
		}
	})

	t.Run("存在しないIDは404を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		w := doRequest(s, http.MethodDelete, "/polls/no-such-id", testToken(t), "")

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusNotFound)
		}
	})
}
