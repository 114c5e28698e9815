// 投稿サービスのエントリポイント。
// ブログ投稿のCRUDと公開中投稿の配信を担当する。
package main

import (
	"log"
	"os"

	"github.com/kyohei/blog-engine/internal/write"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3003"
	}

	server, err := write.NewServer(port)
	if err != nil {
		log.Fatalf("投稿サーバーの初期化に失敗: %v", err)
	}

	log.Printf("投稿サービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("投稿サービスの起動に失敗: %v", err)
	}
}
