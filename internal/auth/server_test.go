package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/kyohei/blog-engine/internal/identity"
	"github.com/kyohei/blog-engine/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// newTestServer はテスト用の認証サーバーを生成する。
// インメモリSQLiteを使用する。
func newTestServer(t *testing.T) *Server {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDB接続に失敗: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	sqlDB.SetMaxOpenConns(1)

	store, err := identity.NewStore(sqlDB)
	if err != nil {
		t.Fatalf("ストア初期化に失敗: %v", err)
	}

	router := gin.New()
	s := &Server{
		router:      router,
		port:        "0",
		store:       store,
		db:          sqlDB,
		jwtSecret:   testJWTSecret,
		frontendURL: "http://localhost:3000",
		httpClient:  &http.Client{Timeout: 5 * time.Second},
	}
	s.setupRoutes()

	return s
}

// registerUser はテスト用にユーザーを登録してレスポンスを返す。
func registerUser(t *testing.T, s *Server, email, password, name string) map[string]json.RawMessage {
	t.Helper()

	body := `{"email":"` + email + `","password":"` + password + `","name":"` + name + `"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("登録ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	return result
}

// TestHandleRegister はユーザー登録ハンドラのテスト。
func TestHandleRegister(t *testing.T) {
	t.Parallel()

	t.Run("登録に成功するとトークンとユーザー情報を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		result := registerUser(t, s, "alice@example.com", "pw123", "Alice")

		var tokenString string
		if err := json.Unmarshal(result["token"], &tokenString); err != nil || tokenString == "" {
			t.Fatal("tokenフィールドが空")
		}

		claims, err := token.Verify(testJWTSecret, tokenString)
		if err != nil {
			t.Fatalf("発行されたトークンの検証に失敗: %v", err)
		}
		if claims.Email != "alice@example.com" {
			t.Errorf("Email: got %q, want %q", claims.Email, "alice@example.com")
		}
		if claims.Role != "user" {
			t.Errorf("Role: got %q, want %q", claims.Role, "user")
		}

		var user map[string]any
		if err := json.Unmarshal(result["user"], &user); err != nil {
			t.Fatalf("userフィールドのパースに失敗: %v", err)
		}
		if user["email"] != "alice@example.com" {
			t.Errorf("email: got %q, want %q", user["email"], "alice@example.com")
		}
		if _, ok := user["password"]; ok {
			t.Error("レスポンスにパスワードが含まれている")
		}
	})

	t.Run("重複メールアドレスは400を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		registerUser(t, s, "alice@example.com", "pw123", "Alice")

		body := `{"email":"alice@example.com","password":"other","name":"Alice2"}`
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}

		var result map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if _, ok := result["message"]; !ok {
			t.Error("messageフィールドが含まれていない")
		}
	})

	t.Run("必須フィールドの欠落は400を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(`{"email":"alice@example.com"}`))
		req.Header.Set("Content-Type", "application/json")
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleLogin はログインハンドラのテスト。
func TestHandleLogin(t *testing.T) {
	t.Parallel()

	login := func(t *testing.T, s *Server, email, password string) *httptest.ResponseRecorder {
		t.Helper()
		body := `{"email":"` + email + `","password":"` + password + `"}`
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		s.router.ServeHTTP(w, req)
		return w
	}

	t.Run("登録済みユーザーは同じ認証情報でログインできる", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		registered := registerUser(t, s, "alice@example.com", "pw123", "Alice")

		var registeredToken string
		if err := json.Unmarshal(registered["token"], &registeredToken); err != nil {
			t.Fatalf("登録トークンのパースに失敗: %v", err)
		}
		registeredClaims, err := token.Verify(testJWTSecret, registeredToken)
		if err != nil {
			t.Fatalf("登録トークンの検証に失敗: %v", err)
		}

		w := login(t, s, "alice@example.com", "pw123")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		var result map[string]json.RawMessage
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		var tokenString string
		if err := json.Unmarshal(result["token"], &tokenString); err != nil {
			t.Fatalf("tokenフィールドのパースに失敗: %v", err)
		}

		claims, err := token.Verify(testJWTSecret, tokenString)
		if err != nil {
			t.Fatalf("ログイントークンの検証に失敗: %v", err)
		}
		// 登録時とログイン時で同じユーザーIDに解決される
		if claims.UserID != registeredClaims.UserID {
			t.Errorf("UserID: got %q, want %q", claims.UserID, registeredClaims.UserID)
		}
		if claims.Role != "user" {
			t.Errorf("Role: got %q, want %q", claims.Role, "user")
		}
	})

	t.Run("誤ったパスワードと未登録メールで同一のレスポンスを返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		registerUser(t, s, "alice@example.com", "pw123", "Alice")

		wrongPassword := login(t, s, "alice@example.com", "wrong")
		unknownEmail := login(t, s, "nobody@example.com", "pw123")

		if wrongPassword.Code != http.StatusUnauthorized {
			t.Errorf("パスワード不一致のステータスコード: got %d, want %d", wrongPassword.Code, http.StatusUnauthorized)
		}
		if unknownEmail.Code != http.StatusUnauthorized {
			t.Errorf("未登録メールのステータスコード: got %d, want %d", unknownEmail.Code, http.StatusUnauthorized)
		}
		// アカウントの存在を列挙できないよう、ボディは完全一致でなければならない
		if wrongPassword.Body.String() != unknownEmail.Body.String() {
			t.Errorf("レスポンスボディが一致しない: %q != %q", wrongPassword.Body.String(), unknownEmail.Body.String())
		}
	})

	t.Run("無効化されたアカウントは401を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		registerUser(t, s, "alice@example.com", "pw123", "Alice")

		id, err := s.store.FindByEmail(context.Background(), "alice@example.com")
		if err != nil {
			t.Fatalf("ユーザー検索に失敗: %v", err)
		}
		if err := s.store.UpdateProfile(context.Background(), id.ID, id.Email, id.Name, false); err != nil {
			t.Fatalf("アカウント無効化に失敗: %v", err)
		}

		w := login(t, s, "alice@example.com", "pw123")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestHandleVerify はトークン検証エンドポイントのテスト。
func TestHandleVerify(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンでユーザー情報を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		result := registerUser(t, s, "alice@example.com", "pw123", "Alice")

		var tokenString string
		if err := json.Unmarshal(result["token"], &tokenString); err != nil {
			t.Fatalf("tokenフィールドのパースに失敗: %v", err)
		}

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/verify", nil)
		req.Header.Set("Authorization", "Bearer "+tokenString)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		var user map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &user); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if user["email"] != "alice@example.com" {
			t.Errorf("email: got %q, want %q", user["email"], "alice@example.com")
		}
		if _, ok := user["password"]; ok {
			t.Error("レスポンスにパスワードが含まれている")
		}
	})

	t.Run("Authorizationヘッダーが無い場合は401を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/verify", nil)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("不正なトークンは403を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/verify", nil)
		req.Header.Set("Authorization", "Bearer invalid-token")
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("ユーザーが削除済みの場合は404を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		tokenString, err := token.Issue(testJWTSecret, "missing-user", "nobody@example.com", "user")
		if err != nil {
			t.Fatalf("テスト用トークン発行に失敗: %v", err)
		}

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/verify", nil)
		req.Header.Set("Authorization", "Bearer "+tokenString)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestHandleGoogleLogin はGoogle OAuth2ログイン開始ハンドラのテスト。
func TestHandleGoogleLogin(t *testing.T) {
	t.Parallel()

	t.Run("ClientIDが未設定の場合は503を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/google", nil)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	})

	t.Run("設定済みの場合は認可URLにリダイレクトする", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		s.google = googleConfig{
			ClientID:    "test-client-id",
			RedirectURL: "http://localhost:3001/auth/google/callback",
			AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
		}

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/google", nil)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusTemporaryRedirect {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusTemporaryRedirect)
		}
		location := w.Header().Get("Location")
		if !strings.HasPrefix(location, "https://accounts.google.com/o/oauth2/v2/auth?") {
			t.Errorf("リダイレクト先が不正: %q", location)
		}
		if !strings.Contains(location, "client_id=test-client-id") {
			t.Errorf("client_idが含まれていない: %q", location)
		}
	})
}

// newGoogleBackend はGoogleのトークン交換・ユーザー情報APIを模したサーバーを生成する。
func newGoogleBackend(t *testing.T, sub, email, name string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("grant_type") != "authorization_code" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"access_token": "google-access-token"})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer google-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"sub": sub, "email": email, "name": name})
	})

	backend := httptest.NewServer(mux)
	t.Cleanup(backend.Close)
	return backend
}

// configureGoogle はテスト用サーバーにモックGoogle設定を適用する。
func configureGoogle(s *Server, backend *httptest.Server) {
	s.google = googleConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:3001/auth/google/callback",
		AuthURL:      backend.URL + "/auth",
		TokenURL:     backend.URL + "/token",
		UserinfoURL:  backend.URL + "/userinfo",
	}
}

// TestHandleGoogleCallback はGoogle OAuth2コールバックハンドラのテスト。
func TestHandleGoogleCallback(t *testing.T) {
	t.Parallel()

	callback := func(t *testing.T, s *Server) *httptest.ResponseRecorder {
		t.Helper()
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=test-code", nil)
		s.router.ServeHTTP(w, req)
		return w
	}

	// リダイレクト先URLからトークンを取り出す
	tokenFromRedirect := func(t *testing.T, w *httptest.ResponseRecorder) string {
		t.Helper()
		location, err := url.Parse(w.Header().Get("Location"))
		if err != nil {
			t.Fatalf("リダイレクト先のパースに失敗: %v", err)
		}
		return location.Query().Get("token")
	}

	t.Run("未登録ユーザーは自動登録されトークン付きでリダイレクトされる", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		configureGoogle(s, newGoogleBackend(t, "google-sub-1", "carol@example.com", "Carol"))

		w := callback(t, s)
		if w.Code != http.StatusFound {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusFound, w.Body.String())
		}

		tokenString := tokenFromRedirect(t, w)
		if tokenString == "" {
			t.Fatal("リダイレクトURLにトークンが含まれていない")
		}

		claims, err := token.Verify(testJWTSecret, tokenString)
		if err != nil {
			t.Fatalf("トークンの検証に失敗: %v", err)
		}
		if claims.Email != "carol@example.com" {
			t.Errorf("Email: got %q, want %q", claims.Email, "carol@example.com")
		}

		// 自動登録されたユーザーはローカルパスワードを持たない
		id, err := s.store.FindByID(context.Background(), claims.UserID)
		if err != nil {
			t.Fatalf("ユーザー検索に失敗: %v", err)
		}
		if id.Local != nil {
			t.Error("自動登録ユーザーにローカル認証情報が設定されている")
		}
		if id.External == nil || id.External.ExternalID != "google-sub-1" {
			t.Error("外部認証情報が正しく設定されていない")
		}
	})

	t.Run("2回目のコールバックは同じユーザーに解決される", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		configureGoogle(s, newGoogleBackend(t, "google-sub-1", "carol@example.com", "Carol"))

		first := callback(t, s)
		second := callback(t, s)

		firstClaims, err := token.Verify(testJWTSecret, tokenFromRedirect(t, first))
		if err != nil {
			t.Fatalf("1回目のトークン検証に失敗: %v", err)
		}
		secondClaims, err := token.Verify(testJWTSecret, tokenFromRedirect(t, second))
		if err != nil {
			t.Fatalf("2回目のトークン検証に失敗: %v", err)
		}
		if firstClaims.UserID != secondClaims.UserID {
			t.Errorf("UserID: got %q, want %q", secondClaims.UserID, firstClaims.UserID)
		}
	})

	t.Run("同一メールアドレスの既存アカウントにGoogleが連携される", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		configureGoogle(s, newGoogleBackend(t, "google-sub-2", "alice@example.com", "Alice"))
		registerUser(t, s, "alice@example.com", "pw123", "Alice")

		w := callback(t, s)
		if w.Code != http.StatusFound {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusFound)
		}

		id, err := s.store.FindByEmail(context.Background(), "alice@example.com")
		if err != nil {
			t.Fatalf("ユーザー検索に失敗: %v", err)
		}
		if id.External == nil || id.External.ExternalID != "google-sub-2" {
			t.Error("既存アカウントにGoogleが連携されていない")
		}
		// ローカルパスワードは維持される
		if !id.VerifyPassword("pw123") {
			t.Error("連携後にローカルパスワード検証に失敗")
		}
	})

	t.Run("認可コードが無い場合は400を返す", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		configureGoogle(s, newGoogleBackend(t, "google-sub-1", "carol@example.com", "Carol"))

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/auth/google/callback", nil)
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}
