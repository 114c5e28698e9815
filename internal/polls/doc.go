// Package polls はブログ読者向けアンケートサービスを提供する。
//
// アンケート（質問文と回答選択肢）のCRUD操作と、認証不要の
// 投票エンドポイントを持つ。得票数の加算はSQLのアトミックな
// UPDATEで行い、並行する投票を取りこぼさない。
package polls
