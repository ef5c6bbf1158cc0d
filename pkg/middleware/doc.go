// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// セッショントークンの発行・検証、所有者一致の認可、固定ウィンドウ方式の
// レート制限、パニックリカバリ、CORS設定など、ゲートウェイの全ルートで
// 共通して使用するミドルウェアを含む。
package middleware
