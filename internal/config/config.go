// Package config はゲートウェイの環境変数設定を提供する。
//
// 必須項目の欠落は起動時に検出してエラーを返す。リクエスト処理中に
// 設定不備が発覚する状況を作ってはならない。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はゲートウェイの全設定を保持する。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `env:"PORT" envDefault:"4000"`
	// JWTSecret はセッショントークンの署名シークレット。必須。
	JWTSecret string `env:"APP_JWT_SECRET"`
	// TokenTTL はセッショントークンの有効期間。
	TokenTTL time.Duration `env:"JWT_EXPIRES_IN" envDefault:"1h"`
	// GoogleAudiences は受け入れ可能なGoogle OAuthクライアントIDのリスト。必須。
	GoogleAudiences []string `env:"GOOGLE_OAUTH_AUDIENCES" envSeparator:","`
	// CORSOrigins はCORSで許可するオリジンのリスト。
	// 空の場合はCORS機能そのものを無効にする。全許可にはしない。
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
	// DatabasePath はカレンダーストアのSQLiteデータベースパス。
	DatabasePath string `env:"DATABASE_PATH" envDefault:"/data/calendario.db"`
}

// Load は環境変数から設定を読み込み、検証する。
// 署名シークレットが空、または許可オーディエンスが1件も無い場合は
// エラーを返す。呼び出し側はこのエラーで起動を中断すべきである。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("環境変数の解析に失敗: %w", err)
	}

	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("APP_JWT_SECRETが設定されていません")
	}

	cfg.GoogleAudiences = trimNonEmpty(cfg.GoogleAudiences)
	if len(cfg.GoogleAudiences) == 0 {
		return nil, errors.New("GOOGLE_OAUTH_AUDIENCESが設定されていません。少なくとも1件のGoogle OAuthクライアントIDを指定すること")
	}

	cfg.CORSOrigins = trimNonEmpty(cfg.CORSOrigins)

	return &cfg, nil
}

// trimNonEmpty は各要素の前後空白を除去し、空要素を取り除く。
func trimNonEmpty(values []string) []string {
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		result = append(result, v)
	}
	return result
}
