// Package admin は管理画面向けのゲートウェイを提供する。
//
// 受け取ったリクエストのJWTをプロセス内で検証し、パスプレフィックス
// ごとに対応する内部サービス（users/write/ads/logs）へ転送する。
// メソッド、ボディ、クエリ、Authorizationヘッダーをそのまま渡し、
// 内部サービスのステータスとボディをそのまま返す。転送先に到達
// できない場合は詳細を伏せた500を返し、対応のないパスには内部
// サービスに接続せずに404を返す。
package admin
