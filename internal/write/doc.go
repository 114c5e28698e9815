// Package write はブログ投稿サービスを提供する。
//
// 投稿（タイトル、概要、本文、タグ、著者）のCRUD操作と、
// 公開中の投稿のみを返すフロントエンド向けエンドポイントを持つ。
// 投稿作成時にはユーザーサービスへ問い合わせて著者の存在を確認し、
// 著者の表示名を投稿レコードに非正規化して保持する。
package write
