// アンケートサービスのエントリポイント。
// アンケートのCRUDと読者からの投票の受付を担当する。
package main

import (
	"log"
	"os"

	"github.com/kyohei/blog-engine/internal/polls"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3005"
	}

	server, err := polls.NewServer(port)
	if err != nil {
		log.Fatalf("アンケートサーバーの初期化に失敗: %v", err)
	}

	log.Printf("アンケートサービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("アンケートサービスの起動に失敗: %v", err)
	}
}
