// Package sdk はエリアスキャンカメラのハードウェア操作面を定義する
//
// # 責務
// - ベンダーSDKが提供する操作（列挙・ハンドル生成・オープン・パラメータ・取得・録画・画像保存）をインターフェースとして表現する
// - SDKステータスコードを Go の error として扱えるようにする
//
// # 使い分け
// このパッケージは実装を持たない。実際のバックエンドは以下のサブパッケージで提供する：
//   - sim: ハードウェアなしで動作するシミュレーションカメラ（テスト・デモ用）
//   - v4l2: v4l2-ctl と ffmpeg を使ったUVCカメラ
//
// # 仕様
//   - Camera はひとつのデバイスハンドルに対応し、同時に使用できるのは1つのゴルーチンからの取得呼び出しのみ
//   - PullFrame が返すバッファは ReleaseFrame を呼ぶまでSDKの所有物であり、それ以降は参照してはならない
//   - タイムアウトは ErrTimeout と errors.Is で判定できる
package sdk
