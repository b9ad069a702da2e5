package frame

import (
	"image"
	"time"

	"mihari/internal/format"
)

// Raw はバックエンドから読み取った未解凍フレームを表す
// 読み取りから解凍までの間、キャプチャループが排他的に所有する
type Raw struct {
	Data        []byte             // 未解凍のバイト列
	PixelFormat format.PixelFormat // ネゴシエーション済みのフォーマット
	Resolution  format.Resolution  // 宣言された解像度
	Timestamp   time.Time          // 取得時刻
}

// Decoded は正規化されたパックドRGB888フレームを表す
// チャンネル経由で受け取ったコンシューマが排他的に所有する
type Decoded struct {
	Pixels     []byte            // R,G,B,R,G,B,... のパックドRGB888
	Resolution format.Resolution // フレームの解像度
	Timestamp  time.Time         // 取得時刻
}

// Stride は1行あたりのバイト数を返す
func (d *Decoded) Stride() int {
	return int(d.Resolution.Width) * 3
}

// Image はフレームを image.RGBA に変換して返す
// GPUアップロードや画像エンコードなどの下流処理向けの正規表現
func (d *Decoded) Image() *image.RGBA {
	w := int(d.Resolution.Width)
	h := int(d.Resolution.Height)
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	for i := 0; i < w*h; i++ {
		img.Pix[i*4+0] = d.Pixels[i*3+0]
		img.Pix[i*4+1] = d.Pixels[i*3+1]
		img.Pix[i*4+2] = d.Pixels[i*3+2]
		img.Pix[i*4+3] = 0xff
	}

	return img
}
