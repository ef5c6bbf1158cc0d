// 認証ゲートウェイのエントリポイント。
// GoogleのIDトークンを検証し、短命のセッショントークンを発行する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"log"

	"github.com/nao1215/calendario/internal/config"
	"github.com/nao1215/calendario/internal/gateway"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	server, err := gateway.NewServer(context.Background(), cfg)
	if err != nil {
		log.Fatalf("ゲートウェイサーバーの初期化に失敗: %v", err)
	}

	log.Printf("認証ゲートウェイを起動します: :%s", cfg.Port)
	if err := server.Run(); err != nil {
		log.Fatalf("認証ゲートウェイの起動に失敗: %v", err)
	}
}
