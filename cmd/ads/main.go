// 広告サービスのエントリポイント。
// 広告のCRUDと配信中広告の配信を担当する。
package main

import (
	"log"
	"os"

	"github.com/kyohei/blog-engine/internal/ads"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3004"
	}

	server, err := ads.NewServer(port)
	if err != nil {
		log.Fatalf("広告サーバーの初期化に失敗: %v", err)
	}

	log.Printf("広告サービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("広告サービスの起動に失敗: %v", err)
	}
}
