// メディアサービスのエントリポイント。
// 画像のMinIOへのアップロードとメタデータの管理を担当する。
package main

import (
	"log"
	"os"

	"github.com/kyohei/blog-engine/internal/media"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3007"
	}

	server, err := media.NewServer(port)
	if err != nil {
		log.Fatalf("メディアサーバーの初期化に失敗: %v", err)
	}

	log.Printf("メディアサービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("メディアサービスの起動に失敗: %v", err)
	}
}
