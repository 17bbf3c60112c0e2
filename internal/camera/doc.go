// Package camera エリアスキャンカメラのキャプチャセッションを担う
//
// # 責務
// - デバイスの列挙・オープン・クローズとハンドルの解放
// - パラメータの読み書きと刻み幅・表示範囲の調整
// - バックグラウンドでのフレーム取得と表示先・録画への受け渡し
// - 最新フレームの保持とスナップショット保存
// - セッションのイベント通知
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 1台のカメラから連続してフレームを取得したい
// - 取得中のフレームを録画・保存したい
// - デバイスの状態変化をイベントとして受け取りたい
//
// # 仕様
//   - Session: デバイスへの排他的な接続。状態は Closed → Open → Grabbing → GrabbingAndRecording
//   - ParameterController: 幅・高さの刻み合わせとフレームレートの表示上限
//   - SnapshotCache: 最新フレームの複製を RWMutex で保持する
//   - 取得ループ: タイムアウト付きで PullFrame を繰り返し、フレームは必ず ReleaseFrame で返却する
//   - EventBus: 単一ゴルーチンで発行順に配送する
//   - DeviceMonitor: デバイス一覧の定期スキャン
//
// ハードウェアは sdk.Driver / sdk.Camera を通してのみ扱う。
// 実機がない環境では sdk/sim のシミュレーターを使う。
package camera
