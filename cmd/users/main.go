// ユーザー管理サービスのエントリポイント。
// ユーザーの一覧・作成・更新・ロール変更・削除を担当する。
package main

import (
	"log"
	"os"

	"github.com/kyohei/blog-engine/internal/users"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3002"
	}

	server, err := users.NewServer(port)
	if err != nil {
		log.Fatalf("ユーザーサーバーの初期化に失敗: %v", err)
	}

	log.Printf("ユーザーサービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("ユーザーサービスの起動に失敗: %v", err)
	}
}
