package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// requestTimeout はサービス間通信のタイムアウト。
// 接続先サービスが応答しない場合でも呼び出し元を無期限に待たせない。
const requestTimeout = 10 * time.Second

// Client はサービス間通信用のHTTPクライアント。
// タイムアウトを持ち、認証トークンを接続先サービスに伝播する。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
}

// StatusError は接続先サービスが2xx以外のステータスを返したことを表す。
// 呼び出し側がステータスコードに応じた分岐（404なら存在しない等）を
// 行えるように、ステータスとボディをそのまま保持する。
type StatusError struct {
	// StatusCode は接続先サービスが返したHTTPステータスコード。
	StatusCode int
	// Body は接続先サービスが返したレスポンスボディ。
	Body []byte
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, string(e.Body))
}

// New は新しいサービス間通信用HTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://users:3002"）を指定する。
func New(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		baseURL: baseURL,
	}
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, result)
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// コンテキストから認証トークンを伝播する
	if auth, ok := ctx.Value(contextKeyAuthorization).(string); ok && auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyAuthorization はコンテキストにAuthorizationヘッダー値を格納するためのキー。
const contextKeyAuthorization contextKey = "authorization"

// WithAuthorization はコンテキストにAuthorizationヘッダー値を設定する。
// 呼び出し元リクエストのトークンを接続先サービスにそのまま伝播するために使用する。
func WithAuthorization(ctx context.Context, authHeader string) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, authHeader)
}
