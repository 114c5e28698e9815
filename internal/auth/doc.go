// Package auth は認証サービスの内部実装を提供する。
//
// ローカル認証（登録・ログイン）、Google OAuth2、JWT発行、
// トークン検証エンドポイントを担当する。発行したトークンは
// 各サービスが共有秘密鍵で独立に検証する。
package auth
