package capture

import (
	"bytes"
	"errors"
	"testing"

	"mihari/internal/format"
)

// v4l2-ctl --info の典型的な出力
const v4l2InfoOutput = `Driver Info:
	Driver name      : uvcvideo
	Card type        : HD Pro Webcam C920
	Bus info         : usb-0000:00:14.0-1
	Driver version   : 6.1.0
`

// v4l2-ctl --list-formats-ext の典型的な出力
const v4l2FormatsOutput = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'YUYV' (YUYV 4:2:2)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
			Interval: Discrete 0.067s (15.000 fps)
		Size: Discrete 1280x720
			Interval: Discrete 0.100s (10.000 fps)
	[1]: 'MJPG' (Motion-JPEG, compressed)
		Size: Discrete 1920x1080
			Interval: Discrete 0.033s (30.000 fps)
`

// v4l2-ctl -l の典型的な出力
const v4l2ControlsOutput = `User Controls

                     brightness 0x00980900 (int)    : min=0 max=255 step=1 default=128 value=128
                       contrast 0x00980901 (int)    : min=0 max=255 step=1 default=128 value=140
                 gain_automatic 0x00980912 (bool)   : default=1 value=1
                           gain 0x00980913 (int)    : min=0 max=255 step=1 default=64 value=64
  white_balance_temperature 0x0098091a (int)    : min=2000 max=6500 step=1 default=4000 value=4000 flags=inactive
`

// TestParseCardType はカード名の抽出をテストする
func TestParseCardType(t *testing.T) {
	if got := parseCardType(v4l2InfoOutput); got != "HD Pro Webcam C920" {
		t.Errorf("カード名が一致しません: got %q", got)
	}

	if got := parseCardType("no card here"); got != "" {
		t.Errorf("空文字が期待されましたが: %q", got)
	}
}

// TestParseFormatsExt はフォーマット一覧の解析をテストする
func TestParseFormatsExt(t *testing.T) {
	formats := parseFormatsExt(v4l2FormatsOutput)

	want := []format.CameraFormat{
		format.NewCameraFormat(640, 480, 30, format.PixelFormatYUYV),
		format.NewCameraFormat(640, 480, 15, format.PixelFormatYUYV),
		format.NewCameraFormat(1280, 720, 10, format.PixelFormatYUYV),
		format.NewCameraFormat(1920, 1080, 30, format.PixelFormatMJPEG),
	}

	if len(formats) != len(want) {
		t.Fatalf("フォーマット数が一致しません: got %d, want %d", len(formats), len(want))
	}
	for i, f := range formats {
		if f != want[i] {
			t.Errorf("フォーマット %d が一致しません: got %v, want %v", i, f, want[i])
		}
	}
}

// TestParseFormatsExtEmpty は空出力の扱いをテストする
func TestParseFormatsExtEmpty(t *testing.T) {
	if formats := parseFormatsExt(""); len(formats) != 0 {
		t.Errorf("空の一覧が期待されましたが: %v", formats)
	}
}

// TestParseControlList はコントロール一覧の解析をテストする
func TestParseControlList(t *testing.T) {
	controls := parseControlList(v4l2ControlsOutput)

	brightness, exists := controls[ControlBrightness]
	if !exists {
		t.Fatal("brightnessが見つかりません")
	}
	if brightness.Min != 0 || brightness.Max != 255 || brightness.Step != 1 ||
		brightness.Default != 128 || brightness.Value != 128 {
		t.Errorf("brightnessの値が一致しません: %+v", brightness)
	}

	contrast, exists := controls[ControlContrast]
	if !exists {
		t.Fatal("contrastが見つかりません")
	}
	if contrast.Value != 140 {
		t.Errorf("contrastの現在値が一致しません: got %d", contrast.Value)
	}

	wb, exists := controls[ControlWhiteBalance]
	if !exists {
		t.Fatal("white_balance_temperatureが見つかりません")
	}
	if wb.Min != 2000 || wb.Max != 6500 {
		t.Errorf("white_balanceの範囲が一致しません: %+v", wb)
	}

	// 既知のコントロールに対応しない行は無視される
	if _, exists := controls[ControlKey("gain_automatic")]; exists {
		t.Error("未対応のコントロールが含まれています")
	}
}

// TestExtractDeviceNumber はデバイス番号の抽出をテストする
func TestExtractDeviceNumber(t *testing.T) {
	testCases := []struct {
		device string
		want   int
	}{
		{"/dev/video0", 0},
		{"/dev/video12", 12},
		{"/dev/media0", 0},
	}

	for _, tc := range testCases {
		if got := extractDeviceNumber(tc.device); got != tc.want {
			t.Errorf("%s: 番号が一致しません: got %d, want %d", tc.device, got, tc.want)
		}
	}
}

// TestBuildFFmpegArgs はフォーマットごとのパイプライン引数をテストする
func TestBuildFFmpegArgs(t *testing.T) {
	// MJPEGは可変長ストリームとして受ける
	args, size, err := buildFFmpegArgs("/dev/video0", format.NewCameraFormat(1280, 720, 30, format.PixelFormatMJPEG))
	if err != nil {
		t.Fatalf("引数の生成に失敗しました: %v", err)
	}
	if size != 0 {
		t.Errorf("MJPEGのフレーム長は0であるべきです: got %d", size)
	}
	if !containsSeq(args, "-input_format", "mjpeg") {
		t.Errorf("mjpeg指定がありません: %v", args)
	}
	if !containsSeq(args, "-video_size", "1280x720") {
		t.Errorf("解像度指定がありません: %v", args)
	}

	// YUYVは固定フレーム長
	_, size, err = buildFFmpegArgs("/dev/video0", format.NewCameraFormat(640, 480, 30, format.PixelFormatYUYV))
	if err != nil {
		t.Fatalf("引数の生成に失敗しました: %v", err)
	}
	if size != 640*480*2 {
		t.Errorf("YUYVのフレーム長が一致しません: got %d", size)
	}

	// RGB24も固定フレーム長のrawvideoとして受ける
	args, size, err = buildFFmpegArgs("/dev/video0", format.NewCameraFormat(640, 480, 30, format.PixelFormatRGB24))
	if err != nil {
		t.Fatalf("引数の生成に失敗しました: %v", err)
	}
	if size != 640*480*3 {
		t.Errorf("RGB24のフレーム長が一致しません: got %d", size)
	}
	if !containsSeq(args, "-pix_fmt", "rgb24") {
		t.Errorf("rgb24指定がありません: %v", args)
	}

	// パイプラインを構築できないfourccは拒否する
	_, _, err = buildFFmpegArgs("/dev/video0", format.NewCameraFormat(640, 480, 30, format.PixelFormatFromFourCC("H264")))
	if !errors.Is(err, ErrFormatUnsupported) {
		t.Errorf("ErrFormatUnsupportedが期待されましたが: %v", err)
	}
}

// containsSeq はスライス内に連続する2要素があるかどうかを返す
func containsSeq(args []string, first, second string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == first && args[i+1] == second {
			return true
		}
	}
	return false
}

// TestParseFormatsExtUnstreamable は配信できないフォーマットが
// 列挙から除外されることをテストする。除外されたフォーマットが
// ネゴシエーションに渡ると、開始時に必ず失敗するセッションが生まれる
func TestParseFormatsExtUnstreamable(t *testing.T) {
	const output = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'H264' (H.264, compressed)
		Size: Discrete 1920x1080
			Interval: Discrete 0.033s (30.000 fps)
	[1]: 'RGB3' (24-bit RGB 8-8-8)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
	[2]: 'YUYV' (YUYV 4:2:2)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
`

	formats := parseFormatsExt(output)

	want := []format.CameraFormat{
		format.NewCameraFormat(640, 480, 30, format.PixelFormatRGB24),
		format.NewCameraFormat(640, 480, 30, format.PixelFormatYUYV),
	}
	if len(formats) != len(want) {
		t.Fatalf("フォーマット数が一致しません: got %v, want %v", formats, want)
	}
	for i, f := range formats {
		if f != want[i] {
			t.Errorf("フォーマット %d が一致しません: got %v, want %v", i, f, want[i])
		}
	}

	// 列挙に載ったフォーマットは全てパイプラインを構築できる
	for _, f := range formats {
		if _, _, err := buildFFmpegArgs("/dev/video0", f); err != nil {
			t.Errorf("%v の引数生成に失敗しました: %v", f, err)
		}
	}
}

// TestConsumeJPEGFrames はMJPEGストリームのフレーム切り出しをテストする
func TestConsumeJPEGFrames(t *testing.T) {
	jpegA := []byte{0xff, 0xd8, 0x01, 0x02, 0xff, 0xd9}
	jpegB := []byte{0xff, 0xd8, 0x03, 0xff, 0xd9}

	var published [][]byte
	publish := func(data []byte) {
		published = append(published, data)
	}

	// 先頭ゴミ + 完結した2フレーム + 未完の末尾
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x11})
	buf.Write(jpegA)
	buf.Write(jpegB)
	buf.Write([]byte{0xff, 0xd8, 0x04})

	consumeJPEGFrames(&buf, publish)

	if len(published) != 2 {
		t.Fatalf("フレーム数が一致しません: got %d", len(published))
	}
	if !bytes.Equal(published[0], jpegA) || !bytes.Equal(published[1], jpegB) {
		t.Errorf("切り出されたフレームが一致しません: %v", published)
	}

	// 未完のフレームはSOIから保持される
	if !bytes.Equal(buf.Bytes(), []byte{0xff, 0xd8, 0x04}) {
		t.Errorf("未完の末尾が保持されていません: %v", buf.Bytes())
	}

	// EOIが届けば保持分と合わせて1フレームになる
	published = nil
	buf.Write([]byte{0xff, 0xd9})
	consumeJPEGFrames(&buf, publish)
	if len(published) != 1 || !bytes.Equal(published[0], []byte{0xff, 0xd8, 0x04, 0xff, 0xd9}) {
		t.Errorf("分割到着したフレームが一致しません: %v", published)
	}
}

// TestConsumeJPEGFramesBufCap はマーカーのないデータが蓄積し続けない
// ことをテストする
func TestConsumeJPEGFramesBufCap(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, mjpegBufCap+1))

	consumeJPEGFrames(&buf, func([]byte) {
		t.Error("フレームが切り出されるべきではありません")
	})

	if buf.Len() != 0 {
		t.Errorf("バッファが破棄されていません: %d バイト残存", buf.Len())
	}

	// 破棄後に届いた完結フレームは通常通り切り出される
	var published int
	buf.Write([]byte{0xff, 0xd8, 0x05, 0xff, 0xd9})
	consumeJPEGFrames(&buf, func([]byte) { published++ })
	if published != 1 {
		t.Errorf("再同期後のフレーム数が一致しません: got %d", published)
	}
}
