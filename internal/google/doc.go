// Package google はGoogle IDトークンの検証を提供する。
//
// 署名と有効期限の暗号学的検証はgo-oidcライブラリに委譲し、
// 本パッケージはその上の信頼判定（発行者・オーディエンス・
// 必須クレーム・メール確認済みフラグ）のみを担当する。
// 検証失敗の理由は外部に漏らさず、すべて同一のエラーに収束させる。
package google
