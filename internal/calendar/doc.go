// Package calendar はカレンダーとイベントのSQLiteストアを提供する。
//
// 認証ゲートウェイの背後に置かれるリソースコラボレータであり、
// すべての操作はユーザーIDでスコープされる。イベントの削除は
// ソフトデリートで、ゴミ箱からの復元が可能。セッション状態は
// 一切保持しない。
package calendar
