// Package users はユーザー管理サービスの内部実装を提供する。
//
// 管理画面からのユーザーCRUDを担当する。ユーザーレコードは
// 認証サービスと同じストアを共有し、ロール変更などの管理操作は
// 管理者ロールを要求する。
package users
