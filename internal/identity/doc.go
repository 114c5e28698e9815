// Package identity はユーザー識別情報の管理を提供する。
//
// 認証サービスとユーザーサービスが共有する唯一のユーザーレコード定義と
// ストアを含む。認証手段はローカルパスワードと外部OAuthのタグ付き
// ユニオンとして表現し、生成時にどちらか一方の存在を強制する。
package identity
