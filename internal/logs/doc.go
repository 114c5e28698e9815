// Package logs は他のサービスから送られたアプリケーションログの
// 収集サービスを提供する。
//
// ログレベルはinfo/warn/errorに制限され、サービス名・レベル・件数で
// 絞り込み検索できる。検索結果は新しいものから順に返す。
package logs
