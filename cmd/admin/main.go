// 管理ゲートウェイのエントリポイント。
// 管理画面からのリクエストを認証し、各内部サービスに転送する。
// 外部からアクセス可能な唯一の管理系サービスであり、認証の境界線となる。
package main

import (
	"log"
	"os"

	"github.com/kyohei/blog-engine/internal/admin"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server, err := admin.NewServer(port)
	if err != nil {
		log.Fatalf("管理ゲートウェイサーバーの初期化に失敗: %v", err)
	}

	log.Printf("管理ゲートウェイサービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("管理ゲートウェイサービスの起動に失敗: %v", err)
	}
}
