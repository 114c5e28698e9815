// ログ収集サービスのエントリポイント。
// 各サービスから送られたアプリケーションログの蓄積と検索を担当する。
package main

import (
	"log"
	"os"

	"github.com/kyohei/blog-engine/internal/logs"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3008"
	}

	server, err := logs.NewServer(port)
	if err != nil {
		log.Fatalf("ログサーバーの初期化に失敗: %v", err)
	}

	log.Printf("ログサービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("ログサービスの起動に失敗: %v", err)
	}
}
