// イベントサービスのエントリポイント。
// ブログイベントのCRUDを担当する。
package main

import (
	"log"
	"os"

	"github.com/kyohei/blog-engine/internal/events"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3006"
	}

	server, err := events.NewServer(port)
	if err != nil {
		log.Fatalf("イベントサーバーの初期化に失敗: %v", err)
	}

	log.Printf("イベントサービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("イベントサービスの起動に失敗: %v", err)
	}
}
