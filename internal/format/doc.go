// Package format キャプチャフォーマットの値型とネゴシエーションを担う
//
// # 責務
// - 解像度・フレームレート・ピクセルフォーマット(FourCC)の値型定義
// - デバイスのサポートフォーマット一覧からの最適フォーマット選択
//
// # 仕様
// - Resolution: 幅×高さ。総ピクセル数で近さを比較する
// - FrameRate: 分子/分母表現。整数fpsは分母1で表す
// - PixelFormat: FourCCタグ。既知フォーマット以外もタグのまま保持する
// - CameraFormat: 三つ組。有効性はネゴシエーションでのみ確立される
// - Negotiate: 制約に合うフォーマットを決定的に一つ選ぶ
package format
