// Package media はブログに掲載する画像の管理サービスを提供する。
//
// マルチパートフォームで受け取った画像をMinIOのバケットに保存し、
// メタデータ（ファイル名、公開URL、フォルダ）をSQLiteに記録する。
// アップロードは5MBまでの画像（JPEG/PNG/GIF/WebP）に制限される。
package media
