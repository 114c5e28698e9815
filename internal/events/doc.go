// Package events はブログイベント（勉強会や告知）の管理サービスを提供する。
//
// イベント（タイトル、説明、開催期間、場所）のCRUD操作を持ち、
// 一覧は開始日時の降順で返す。
package events
