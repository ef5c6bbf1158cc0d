// Package gateway は認証ゲートウェイのHTTPサーバーを提供する。
//
// GoogleのIDトークンを検証し、成功時に自前の短命セッショントークンを
// 発行する。以降のリクエストはそのトークンだけで認証され、サーバー側に
// セッション状態は持たない。プロセスが再起動しても発行済みトークンは
// 有効なまま検証できる。検証エンドポイントには厳しいレート制限を、
// その他のルートには緩い全体制限を適用する。
package gateway
