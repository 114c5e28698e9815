// Package token はサービス間で共有するJWTトークンの発行と検証を提供する。
//
// 認証サービスがログイン・登録・OAuth2コールバック時にトークンを発行し、
// 各サービスが独立に同じ秘密鍵で検証する。トークンは自己完結型であり、
// サーバー側に状態を持たない。失効は有効期限切れのみ。
package token
