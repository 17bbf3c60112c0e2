// Package server は、カメラセッションを操作するHTTP APIとライブ配信を提供します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// ライブ映像の配信（MJPEG / WebSocket）、イベント通知（SSE）を担当します。
//
// 責務:
//   - デバイスのオープン・クローズ、取得・録画の開始停止を受け付ける
//   - パラメータの読み出しと設定
//   - スナップショットと録画済み動画の一覧
//   - ライブ映像の配信とセッションイベントの通知
//
// 仕様:
//   - ルーティングは gin を使用
//   - WebSocket は gorilla/websocket を使用
//   - エラーは errors.Is で判定してHTTPステータスに対応付ける
//   - グレースフルシャットダウンに対応
//   - 複数クライアントの同時接続をサポート
package server
