// Package ads はブログに掲載する広告の管理サービスを提供する。
//
// 広告（タイトル、画像URL、リンク先、配信フラグ）のCRUD操作と、
// 配信中の広告のみを返すフロントエンド向けエンドポイントを持つ。
package ads
