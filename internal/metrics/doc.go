// Package metrics は管理画面のダッシュボードに表示する件数の
// 集計サービスを提供する。
//
// 各サービスのSQLiteデータベースファイルを読み取り専用で開き、
// 投稿の総数とユーザー・広告・アンケートの公開フラグ別件数を返す。
// データベースファイルがまだ存在しないサービスの件数は0になる。
package metrics
