// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証、管理者ロールの強制、パニックリカバリ、
// CORS設定など、全サービスで共通して使用するミドルウェアを含む。
package middleware
