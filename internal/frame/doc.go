// Package frame フレームの表現と解凍パイプラインを担う
//
// # 責務
// - バックエンドが配信した未解凍フレーム(Raw)の表現
// - 正規化されたパックドRGBフレーム(Decoded)の表現
// - ピクセルフォーマット別の解凍・変換処理
//
// # 仕様
// - Decode は状態を持たない純粋関数。同じ入力バイト列に対して常に
//   バイト単位で同一の出力を返す
// - MJPEG: JPEG解凍。壊れた入力はErrDecodeとして報告され、クラッシュしない
// - YUYV/NV12: 整数係数によるYUV→RGB変換。バッファ長が宣言された
//   解像度と一致しない場合はErrMalformedFrameを返す
// - RGB24/GRAY8: パススルー・単純展開
// - 未知フォーマット: ErrUnsupportedPixelFormat（セッションにとって致命的）
package frame
