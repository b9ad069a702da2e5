package format

import "testing"

// TestResolutionDistance は解像度の距離計算をテストする
func TestResolutionDistance(t *testing.T) {
	a := NewResolution(640, 480)
	b := NewResolution(1280, 720)

	want := uint64(1280*720 - 640*480)
	if got := a.Distance(b); got != want {
		t.Errorf("距離が一致しません: got %d, want %d", got, want)
	}
	// 距離は対称
	if a.Distance(b) != b.Distance(a) {
		t.Error("距離が対称ではありません")
	}
	if got := a.Distance(a); got != 0 {
		t.Errorf("同一解像度の距離は0であるべきです: got %d", got)
	}
}

// TestFrameRateEqual はフレームレートの等価判定をテストする
func TestFrameRateEqual(t *testing.T) {
	// 30/1 と 60/2 は同じ値
	a := FrameRate{Numerator: 30, Denominator: 1}
	b := FrameRate{Numerator: 60, Denominator: 2}
	if !a.Equal(b) {
		t.Error("30/1 と 60/2 は等しいはずです")
	}

	c := FrameRate{Numerator: 25, Denominator: 1}
	if a.Equal(c) {
		t.Error("30/1 と 25/1 は等しくないはずです")
	}
}

// TestFrameRatePerSecond はfps換算をテストする
func TestFrameRatePerSecond(t *testing.T) {
	if got := NewFrameRate(30).PerSecond(); got != 30 {
		t.Errorf("fps換算が一致しません: got %v, want 30", got)
	}

	ntsc := FrameRate{Numerator: 30000, Denominator: 1001}
	got := ntsc.PerSecond()
	if got < 29.9 || got > 30.0 {
		t.Errorf("NTSCレートの換算が一致しません: got %v", got)
	}

	// 分母0でもパニックしない
	zero := FrameRate{Numerator: 30, Denominator: 0}
	if got := zero.PerSecond(); got != 0 {
		t.Errorf("分母0は0を返すべきです: got %v", got)
	}
}

// TestPixelFormatFourCC はFourCCの往復変換をテストする
func TestPixelFormatFourCC(t *testing.T) {
	testCases := []struct {
		fourcc string
		pf     PixelFormat
	}{
		{"MJPG", PixelFormatMJPEG},
		{"YUYV", PixelFormatYUYV},
		{"NV12", PixelFormatNV12},
		{"RGB3", PixelFormatRGB24},
		{"GREY", PixelFormatGRAY8},
	}

	for _, tc := range testCases {
		if got := PixelFormatFromFourCC(tc.fourcc); got != tc.pf {
			t.Errorf("%s: FourCC変換が一致しません: got %v, want %v", tc.fourcc, got, tc.pf)
		}
		if got := tc.pf.String(); got != tc.fourcc {
			t.Errorf("%v: 文字列表現が一致しません: got %s, want %s", tc.pf, got, tc.fourcc)
		}
	}
}

// TestPixelFormatKnown は未知フォーマットの扱いをテストする
func TestPixelFormatKnown(t *testing.T) {
	if !PixelFormatMJPEG.Known() {
		t.Error("MJPGは既知フォーマットのはずです")
	}

	// 未知のタグは保持されるが既知ではない
	unknown := PixelFormatFromFourCC("H264")
	if unknown.Known() {
		t.Error("H264は解凍パイプラインの既知フォーマットではないはずです")
	}
	if got := unknown.String(); got != "H264" {
		t.Errorf("未知タグの文字列表現が保持されていません: got %s", got)
	}
}

// TestCameraFormatString はフォーマットの文字列表現をテストする
func TestCameraFormatString(t *testing.T) {
	f := NewCameraFormat(640, 480, 30, PixelFormatYUYV)
	want := "640x480@30fps YUYV"
	if got := f.String(); got != want {
		t.Errorf("文字列表現が一致しません: got %s, want %s", got, want)
	}
}
