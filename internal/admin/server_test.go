package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kyohei/blog-engine/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// recordedRequest は転送先サービスが受け取ったリクエストの記録。
type recordedRequest struct {
	Method        string
	Path          string
	Query         string
	Body          string
	Authorization string
}

// newUpstream は転送先サービスのモックを起動する。
// 受け取ったリクエストをrecordedに記録し、固定のレスポンスを返す。
func newUpstream(t *testing.T, status int, responseBody string, recorded *recordedRequest) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*recorded = recordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Body:          string(body),
			Authorization: r.Header.Get("Authorization"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(responseBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newTestServer はテスト用の管理ゲートウェイサーバーを生成する。
func newTestServer(t *testing.T, mounts []mount) *Server {
	t.Helper()

	router := gin.New()
	s := &Server{
		router:    router,
		port:      "0",
		jwtSecret: testJWTSecret,
		mounts:    mounts,
		httpClient: &http.Client{
			Timeout: time.Second,
		},
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

// TestHandleProxy は転送ハンドラのテスト。
func TestHandleProxy(t *testing.T) {
	t.Parallel()

	t.Run("メソッド・ボディ・クエリ・認証ヘッダーをそのまま転送する", func(t *testing.T) {
		t.Parallel()

		var recorded recordedRequest
		upstream := newUpstream(t, http.StatusCreated, `{"id": "u-1"}`, &recorded)
		s := newTestServer(t, []mount{
			{Name: "users", Prefix: "/users", Target: upstream.URL + "/api/users"},
		})

		tokenString := testToken(t)
		w := doRequest(s, http.MethodPost, "/users?page=2", tokenString, `{"name": "Alice"}`)

		if w.Code != http.StatusCreated {
			t.Fatalf("転送先のステータスが返っていません: got=%d, want=%d", w.Code, http.StatusCreated)
		}
		if w.Body.String() != `{"id": "u-1"}` {
			t.Errorf("転送先のボディが返っていません: got=%s", w.Body.String())
		}
		if recorded.Method != http.MethodPost {
			t.Errorf("メソッドが転送されていません: got=%s", recorded.Method)
		}
		if recorded.Path != "/api/users" {
			t.Errorf("パスが一致しません: got=%s", recorded.Path)
		}
		if recorded.Query != "page=2" {
			t.Errorf("クエリが転送されていません: got=%s", recorded.Query)
		}
		if recorded.Body != `{"name": "Alice"}` {
			t.Errorf("ボディが転送されていません: got=%s", recorded.Body)
		}
		if recorded.Authorization != "Bearer "+tokenString {
			t.Errorf("Authorizationヘッダーが転送されていません: got=%s", recorded.Authorization)
		}
	})

	t.Run("サブパスを含めて転送する", func(t *testing.T) {
		t.Parallel()

		var recorded recordedRequest
		upstream := newUpstream(t, http.StatusOK, `{}`, &recorded)
		s := newTestServer(t, []mount{
			{Name: "write", Prefix: "/write", Target: upstream.URL + "/api/posts"},
		})

		w := doRequest(s, http.MethodGet, "/write/post-123", testToken(t), "")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが一致しません: got=%d", w.Code)
		}
		if recorded.Path != "/api/posts/post-123" {
			t.Errorf("サブパスが転送されていません: got=%s", recorded.Path)
		}
	})

	t.Run("転送先のエラーステータスとボディをそのまま返す", func(t *testing.T) {
		t.Parallel()

		var recorded recordedRequest
		upstream := newUpstream(t, http.StatusNotFound, `{"message": "投稿が見つかりません"}`, &recorded)
		s := newTestServer(t, []mount{
			{Name: "write", Prefix: "/write", Target: upstream.URL + "/api/posts"},
		})

		w := doRequest(s, http.MethodGet, "/write/no-such-id", testToken(t), "")
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコードが中継されていません: got=%d, want=%d", w.Code, http.StatusNotFound)
		}
		if w.Body.String() != `{"message": "投稿が見つかりません"}` {
			t.Errorf("ボディが中継されていません: got=%s", w.Body.String())
		}
	})

	t.Run("転送先に到達できない場合は詳細を伏せて500を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, []mount{
			// 到達できないアドレス
			{Name: "users", Prefix: "/users", Target: "http://127.0.0.1:1/api/users"},
		})

		w := doRequest(s, http.MethodGet, "/users", testToken(t), "")
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusInternalServerError)
		}
		if strings.Contains(w.Body.String(), "127.0.0.1") {
			t.Errorf("エラーレスポンスに内部情報が含まれています: %s", w.Body.String())
		}
	})

	t.Run("トークンなしでは転送せず401を返す", func(t *testing.T) {
		t.Parallel()

		var recorded recordedRequest
		upstream := newUpstream(t, http.StatusOK, `{}`, &recorded)
		s := newTestServer(t, []mount{
			{Name: "users", Prefix: "/users", Target: upstream.URL + "/api/users"},
		})

		w := doRequest(s, http.MethodGet, "/users", "", "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusUnauthorized)
		}
		if recorded.Method != "" {
			t.Error("認証前に転送先へリクエストが送られています")
		}
	})

	t.Run("不正なトークンでは転送せず403を返す", func(t *testing.T) {
		t.Parallel()

		var recorded recordedRequest
		upstream := newUpstream(t, http.StatusOK, `{}`, &recorded)
		s := newTestServer(t, []mount{
			{Name: "users", Prefix: "/users", Target: upstream.URL + "/api/users"},
		})

		w := doRequest(s, http.MethodGet, "/users", "invalid-token", "")
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusForbidden)
		}
		if recorded.Method != "" {
			t.Error("認証前に転送先へリクエストが送られています")
		}
	})

	t.Run("対応のないプレフィックスは転送せず404を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, []mount{})
		w := doRequest(s, http.MethodGet, "/unknown/path", testToken(t), "")

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusNotFound)
		}
	})
}

// TestHandleListServices はサービス一覧取得ハンドラのテスト。
func TestHandleListServices(t *testing.T) {
	t.Parallel()

	t.Run("転送先サービスの一覧を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, []mount{
			{Name: "users", Prefix: "/users", Target: "http://users:3002/api/users"},
			{Name: "write", Prefix: "/write", Target: "http://write:3003/api/posts"},
		})

		w := doRequest(s, http.MethodGet, "/services", testToken(t), "")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusOK)
		}

		var services []serviceInfo
		if err := json.Unmarshal(w.Body.Bytes(), &services); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if len(services) != 2 {
			t.Fatalf("サービスの件数が一致しません: got=%d, want=2", len(services))
		}
		if services[0].Name != "users" || services[0].Prefix != "/users" {
			t.Errorf("サービス情報が一致しません: got=%+v", services[0])
		}
	})

	t.Run("トークンなしでは401を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, []mount{})
		w := doRequest(s, http.MethodGet, "/services", "", "")

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestHealth はヘルスチェックのテスト。
func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("認証なしで200を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, []mount{})
		w := doRequest(s, http.MethodGet, "/health", "", "")

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusOK)
		}
	})
}
