// Package capture キャプチャデバイスの抽象化とフレーム配信を担う
//
// # 責務
// - バックエンド共通のケイパビリティ契約(Backend/Handle)の定義
// - 設定駆動のバックエンド選択と生成
// - デバイスの列挙・解決(Registry)
// - キャプチャループとフレームチャンネル(Session)
// - アプリケーション向けファサード(Engine)
//
// # 仕様
// - バックエンドは深い継承を使わず、フラットな契約を満たす葉として実装する
// - セッションごとに専用のゴルーチンが取得ループを実行し、呼び出し側の
//   スレッドはデバイスI/Oも解凍も行わない
// - フレームチャンネルは有界で、満杯時は最古のフレームを捨てて最新を残す
// - 配信順序は取得順と厳密に一致する。並べ替えも重複もない
// - 異なるデバイス上の複数セッションは完全に並行で、状態を共有しない
//
// # 前提要件
//   - v4l-utils: V4L2バックエンドのデバイス情報取得とコントロール操作に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: V4L2バックエンドのストリーミングに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - gstreamer1.0-tools: GStreamerバックエンドに使用
//     Ubuntu/Debian: sudo apt install gstreamer1.0-tools gstreamer1.0-plugins-good
package capture
