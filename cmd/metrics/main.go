// 集計サービスのエントリポイント。
// 管理画面のダッシュボードに表示する件数の集計を担当する。
package main

import (
	"log"
	"os"

	"github.com/kyohei/blog-engine/internal/metrics"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3009"
	}

	server, err := metrics.NewServer(port)
	if err != nil {
		log.Fatalf("集計サーバーの初期化に失敗: %v", err)
	}

	log.Printf("集計サービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("集計サービスの起動に失敗: %v", err)
	}
}
