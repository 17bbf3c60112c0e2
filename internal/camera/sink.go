package camera

import "areacam/internal/frame"

// DisplaySink は取得ループから1フレームごとに呼ばれる表示先
//
// f.Data はSDKのバッファを指しており OnFrame から戻るまでのみ有効。
// 保持する場合は Clone すること。OnFrame は取得ループをブロックしてはならない。
type DisplaySink interface {
	OnFrame(f frame.Buffer)
}

// SinkFunc は関数を DisplaySink として扱うためのアダプタ
type SinkFunc func(f frame.Buffer)

// OnFrame は fn(f) を呼ぶ
func (fn SinkFunc) OnFrame(f frame.Buffer) {
	fn(f)
}

// MultiSink は複数の表示先へ順に渡す
type MultiSink []DisplaySink

// OnFrame は各表示先の OnFrame を呼ぶ
func (m MultiSink) OnFrame(f frame.Buffer) {
	for _, s := range m {
		if s != nil {
			s.OnFrame(f)
		}
	}
}
