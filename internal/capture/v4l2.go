package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mihari/internal/format"
	"mihari/internal/frame"
)

// v4l2ControlNames はControlKeyからv4l2-ctlのコントロール名への対応
var v4l2ControlNames = map[ControlKey]string{
	ControlBrightness:   "brightness",
	ControlContrast:     "contrast",
	ControlSaturation:   "saturation",
	ControlSharpness:    "sharpness",
	ControlGamma:        "gamma",
	ControlWhiteBalance: "white_balance_temperature",
	ControlGain:         "gain",
	ControlPan:          "pan_absolute",
	ControlTilt:         "tilt_absolute",
	ControlZoom:         "zoom_absolute",
	ControlExposure:     "exposure_absolute",
	ControlFocus:        "focus_absolute",
}

// V4L2Backend はv4l2-ctlとffmpegを使うVideo4Linux2バックエンド
type V4L2Backend struct {
	log *logrus.Entry
}

// NewV4L2Backend は新しいV4L2Backendを作成する
func NewV4L2Backend() *V4L2Backend {
	return &V4L2Backend{
		log: logrus.WithField("backend", BackendV4L2),
	}
}

// Type はバックエンド種別を返す
func (b *V4L2Backend) Type() BackendType {
	return BackendV4L2
}

// Available はv4l2-ctlとffmpegが存在し、ビデオデバイスがあるかを返す
func (b *V4L2Backend) Available(_ context.Context) bool {
	if _, err := exec.LookPath("v4l2-ctl"); err != nil {
		return false
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return false
	}

	matches, err := filepath.Glob("/dev/video*")
	return err == nil && len(matches) > 0
}

// Enumerate は/dev/video*をスキャンしてデバイス記述の一覧を返す
// デバイスごとにv4l2-ctlでフォーマットとコントロールを問い合わせるため遅い
func (b *V4L2Backend) Enumerate(ctx context.Context) ([]DeviceDescriptor, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソートして列挙順を安定させる
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var descriptors []DeviceDescriptor
	for _, device := range matches {
		select {
		case <-ctx.Done():
			return descriptors, ctx.Err()
		default:
		}

		if !b.isDeviceReadable(device) {
			continue
		}

		formats := b.queryFormats(ctx, device)
		if len(formats) == 0 {
			// キャプチャフォーマットを持たないノード（メタデータ用等）は除外
			continue
		}

		descriptors = append(descriptors, DeviceDescriptor{
			ID:       device,
			Name:     b.queryCardType(ctx, device),
			Backend:  BackendV4L2,
			Formats:  formats,
			Controls: b.queryControlKeys(ctx, device),
		})
	}

	return descriptors, nil
}

// Open はデバイスを開いてハンドルを返す
func (b *V4L2Backend) Open(ctx context.Context, deviceID string) (Handle, error) {
	if _, err := os.Stat(deviceID); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrOpenFailed, deviceID)
	}

	// 読み取り権限とデバイスの占有状態を確認する
	file, err := os.OpenFile(deviceID, os.O_RDONLY, 0)
	if err != nil {
		if strings.Contains(err.Error(), "busy") {
			return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, deviceID)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, deviceID, err)
	}
	_ = file.Close()

	formats := b.queryFormats(ctx, deviceID)
	if len(formats) == 0 {
		return nil, fmt.Errorf("%w: %s はキャプチャフォーマットを持ちません", ErrOpenFailed, deviceID)
	}

	desc := DeviceDescriptor{
		ID:       deviceID,
		Name:     b.queryCardType(ctx, deviceID),
		Backend:  BackendV4L2,
		Formats:  formats,
		Controls: b.queryControlKeys(ctx, deviceID),
	}

	return &v4l2Handle{
		desc:        desc,
		readTimeout: 5 * time.Second,
		log:         b.log.WithField("device", deviceID),
	}, nil
}

// isDeviceReadable はデバイスファイルが存在し読み取れるかをチェックする
func (b *V4L2Backend) isDeviceReadable(device string) bool {
	if _, err := os.Stat(device); os.IsNotExist(err) {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	defer func() {
		_ = file.Close()
	}()

	return true
}

// queryCardType はv4l2-ctlでデバイスの実名を取得する
func (b *V4L2Backend) queryCardType(ctx context.Context, device string) string {
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info")
	output, err := cmd.Output()
	if err == nil {
		if name := parseCardType(string(output)); name != "" {
			return name
		}
	}

	// フォールバック: デバイス番号から生成
	return fmt.Sprintf("Video Device %d", extractDeviceNumber(device))
}

// queryFormats はv4l2-ctlでサポートフォーマット一覧を取得する
func (b *V4L2Backend) queryFormats(ctx context.Context, device string) []format.CameraFormat {
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--list-formats-ext")
	output, err := cmd.Output()
	if err != nil {
		return nil
	}
	return parseFormatsExt(string(output))
}

// queryControlKeys はv4l2-ctlで利用可能なコントロールの一覧を取得する
func (b *V4L2Backend) queryControlKeys(ctx context.Context, device string) []ControlKey {
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "-l")
	output, err := cmd.Output()
	if err != nil {
		return nil
	}

	controls := parseControlList(string(output))
	keys := make([]ControlKey, 0, len(controls))
	for _, key := range controlKeyOrder() {
		if _, exists := controls[key]; exists {
			keys = append(keys, key)
		}
	}
	return keys
}

// controlKeyOrder は安定した列挙順のためのコントロール順序を返す
func controlKeyOrder() []ControlKey {
	return []ControlKey{
		ControlBrightness, ControlContrast, ControlSaturation, ControlSharpness,
		ControlGamma, ControlWhiteBalance, ControlGain, ControlPan, ControlTilt,
		ControlZoom, ControlExposure, ControlFocus,
	}
}

// v4l2Handle は開かれたV4L2デバイスへの操作を実装する
// ffmpegサブプロセスをストリームソースとして保持し、全ての状態を
// 自身が直接所有する
type v4l2Handle struct {
	desc        DeviceDescriptor
	readTimeout time.Duration
	log         *logrus.Entry

	mu        sync.Mutex
	current   format.CameraFormat
	formatSet bool
	streaming bool
	closed    bool

	cancel  context.CancelFunc
	frameCh chan []byte
	errCh   chan error
	done    chan struct{}
}

// Descriptor はデバイス記述を返す
func (h *v4l2Handle) Descriptor() DeviceDescriptor {
	return h.desc
}

// SupportedFormats はサポートフォーマット一覧を返す
func (h *v4l2Handle) SupportedFormats(_ context.Context) ([]format.CameraFormat, error) {
	formats := make([]format.CameraFormat, len(h.desc.Formats))
	copy(formats, h.desc.Formats)
	return formats, nil
}

// SetFormat はキャプチャフォーマットを設定する
// 三つ組が完全一致しない場合はErrFormatUnsupportedを返す
func (h *v4l2Handle) SetFormat(ctx context.Context, f format.CameraFormat) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrSessionClosed
	}

	supported := false
	for _, candidate := range h.desc.Formats {
		if candidate == f {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("%w: %s", ErrFormatUnsupported, f)
	}

	restart := h.streaming
	if restart {
		h.stopPipelineLocked()
	}

	h.current = f
	h.formatSet = true

	if restart {
		return h.startPipelineLocked(ctx)
	}
	return nil
}

// StartStream はffmpegパイプラインを起動する。開始済みなら何もしない
func (h *v4l2Handle) StartStream(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrSessionClosed
	}
	if h.streaming {
		return nil
	}
	if !h.formatSet {
		return fmt.Errorf("%w: フォーマットが未設定です", ErrFormatUnsupported)
	}

	return h.startPipelineLocked(ctx)
}

// StopStream はffmpegパイプラインを停止する。停止済みなら何もしない
func (h *v4l2Handle) StopStream(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.streaming {
		return nil
	}

	h.stopPipelineLocked()
	return nil
}

// ReadFrame はパイプラインから1フレームを読み取る
// readTimeout内にフレームが届かなければErrStreamTimeoutを返す
func (h *v4l2Handle) ReadFrame(ctx context.Context) (*frame.Raw, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if !h.streaming {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: ストリームが開始されていません", ErrStreamFatal)
	}
	frameCh := h.frameCh
	errCh := h.errCh
	current := h.current
	h.mu.Unlock()

	timer := time.NewTimer(h.readTimeout)
	defer timer.Stop()

	select {
	case data, ok := <-frameCh:
		if !ok {
			return nil, fmt.Errorf("%w: パイプラインが終了しました", ErrStreamFatal)
		}
		return &frame.Raw{
			Data:        data,
			PixelFormat: current.PixelFormat,
			Resolution:  current.Resolution,
			Timestamp:   time.Now(),
		}, nil

	case err := <-errCh:
		return nil, fmt.Errorf("%w: %v", ErrStreamFatal, err)

	case <-timer.C:
		return nil, ErrStreamTimeout

	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrStreamFatal, ctx.Err())
	}
}

// GetControl はv4l2-ctlでコントロールを取得する
func (h *v4l2Handle) GetControl(ctx context.Context, key ControlKey) (Control, error) {
	name, exists := v4l2ControlNames[key]
	if !exists {
		return Control{}, fmt.Errorf("%w: %s", ErrControlUnsupported, key)
	}

	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", h.desc.ID, "-l")
	output, err := cmd.Output()
	if err != nil {
		return Control{}, fmt.Errorf("%w: コントロール一覧の取得に失敗: %v", ErrControlUnsupported, err)
	}

	controls := parseControlList(string(output))
	ctrl, exists := controls[key]
	if !exists {
		return Control{}, fmt.Errorf("%w: %s (%s)", ErrControlUnsupported, key, name)
	}

	return ctrl, nil
}

// SetControl はv4l2-ctlでコントロール値を設定する
// 古い値をキャッシュせず、毎回デバイスから範囲を取得して検証する
func (h *v4l2Handle) SetControl(ctx context.Context, key ControlKey, value int32) error {
	ctrl, err := h.GetControl(ctx, key)
	if err != nil {
		return err
	}

	if err := ctrl.Validate(value); err != nil {
		return err
	}

	name := v4l2ControlNames[key]
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", h.desc.ID,
		"--set-ctrl", fmt.Sprintf("%s=%d", name, value))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("コントロール %s の設定に失敗: %w", key, err)
	}

	return nil
}

// Close はストリーミング中でも全リソースを解放する
// エラーはログに残すだけで伝播させない
func (h *v4l2Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	if h.streaming {
		h.stopPipelineLocked()
	}
	h.closed = true
}

// startPipelineLocked はffmpegを起動してフレーム読み取りを開始する（ロック済み前提）
func (h *v4l2Handle) startPipelineLocked(_ context.Context) error {
	args, frameSize, err := buildFFmpegArgs(h.desc.ID, h.current)
	if err != nil {
		return err
	}

	// キャンセルはセッションのstopではなくハンドル自身が管理する
	pipeCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(pipeCtx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: stdoutパイプの作成に失敗: %v", ErrStreamFatal, err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: ffmpegの起動に失敗: %v", ErrStreamFatal, err)
	}

	h.cancel = cancel
	h.frameCh = make(chan []byte, 4)
	h.errCh = make(chan error, 1)
	h.done = make(chan struct{})

	go h.readPipeline(pipeCtx, cmd, stdout, frameSize, h.frameCh, h.errCh, h.done)

	h.streaming = true
	h.log.WithField("format", h.current.String()).Info("ストリーミングを開始しました")
	return nil
}

// stopPipelineLocked はffmpegを停止して読み取りの終了を待つ（ロック済み前提）
func (h *v4l2Handle) stopPipelineLocked() {
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	if h.done != nil {
		<-h.done
		h.done = nil
	}

	h.streaming = false
	h.log.Info("ストリーミングを停止しました")
}

// readPipeline はffmpegの出力からフレームを切り出してチャンネルへ送る
// MJPEGはマーカーで分割し、rawフォーマットは固定長で読み取る
// チャンネルが満杯の場合は最古のフレームを捨てて取得を止めない
func (h *v4l2Handle) readPipeline(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, frameSize int, frameCh chan []byte, errCh chan error, done chan struct{}) {
	defer close(done)
	defer func() {
		_ = cmd.Wait() // キャンセル時のエラーは無視
	}()

	publish := func(data []byte) {
		select {
		case frameCh <- data:
		default:
			select {
			case <-frameCh:
			default:
			}
			select {
			case frameCh <- data:
			default:
			}
		}
	}

	if frameSize > 0 {
		// rawフォーマット: 固定長読み取り
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			buf := make([]byte, frameSize)
			if _, err := io.ReadFull(stdout, buf); err != nil {
				if ctx.Err() == nil {
					errCh <- fmt.Errorf("フレーム読み取りエラー: %w", err)
				}
				return
			}
			publish(buf)
		}
	}

	// MJPEG: JPEGマーカー(FF D8 .. FF D9)でフレームを分割する
	readBuf := make([]byte, 1024*1024)
	var frameBuf bytes.Buffer

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := stdout.Read(readBuf)
		if err != nil {
			if ctx.Err() == nil && err != io.EOF {
				errCh <- fmt.Errorf("フレーム読み取りエラー: %w", err)
			} else if ctx.Err() == nil {
				errCh <- fmt.Errorf("パイプラインが終了しました")
			}
			return
		}

		frameBuf.Write(readBuf[:n])
		consumeJPEGFrames(&frameBuf, publish)
	}
}

// mjpegBufCap はマーカー未検出のまま蓄積を許す最大バイト数
const mjpegBufCap = 8 << 20

// consumeJPEGFrames は蓄積バッファから完結したJPEG(FF D8 .. FF D9)を
// 順に切り出してpublishへ渡す。未完の末尾は次回の読み取りまで保持する
// マーカーが現れないままmjpegBufCapを超えた場合は蓄積を破棄し、
// 次のSOIから再同期する
func consumeJPEGFrames(frameBuf *bytes.Buffer, publish func([]byte)) {
	data := frameBuf.Bytes()
	consumed := 0
	for {
		start := bytes.Index(data[consumed:], []byte{0xff, 0xd8})
		if start == -1 {
			break
		}
		start += consumed

		end := bytes.Index(data[start+2:], []byte{0xff, 0xd9})
		if end == -1 {
			consumed = start
			break
		}
		end += start + 2 + 2

		jpegFrame := make([]byte, end-start)
		copy(jpegFrame, data[start:end])
		publish(jpegFrame)

		consumed = end
	}

	if consumed > 0 {
		remaining := data[consumed:]
		rest := make([]byte, len(remaining))
		copy(rest, remaining)
		frameBuf.Reset()
		frameBuf.Write(rest)
	}

	if frameBuf.Len() > mjpegBufCap {
		frameBuf.Reset()
	}
}

// buildFFmpegArgs はフォーマットに応じたffmpeg引数と
// rawフォーマットの固定フレーム長（MJPEGは0）を返す
func buildFFmpegArgs(device string, f format.CameraFormat) ([]string, int, error) {
	size := fmt.Sprintf("%dx%d", f.Resolution.Width, f.Resolution.Height)
	rate := strconv.FormatUint(uint64(f.FrameRate.Numerator), 10)
	if f.FrameRate.Denominator > 1 {
		rate = fmt.Sprintf("%d/%d", f.FrameRate.Numerator, f.FrameRate.Denominator)
	}

	switch f.PixelFormat {
	case format.PixelFormatMJPEG:
		return []string{
			"-f", "v4l2",
			"-input_format", "mjpeg",
			"-video_size", size,
			"-framerate", rate,
			"-i", device,
			"-f", "image2pipe",
			"-c:v", "copy",
			"-",
		}, 0, nil

	case format.PixelFormatYUYV:
		return []string{
			"-f", "v4l2",
			"-input_format", "yuyv422",
			"-video_size", size,
			"-framerate", rate,
			"-i", device,
			"-f", "rawvideo",
			"-pix_fmt", "yuyv422",
			"-",
		}, frame.ExpectedSize(f.Resolution, format.PixelFormatYUYV), nil

	case format.PixelFormatNV12:
		return []string{
			"-f", "v4l2",
			"-input_format", "nv12",
			"-video_size", size,
			"-framerate", rate,
			"-i", device,
			"-f", "rawvideo",
			"-pix_fmt", "nv12",
			"-",
		}, frame.ExpectedSize(f.Resolution, format.PixelFormatNV12), nil

	case format.PixelFormatRGB24:
		return []string{
			"-f", "v4l2",
			"-input_format", "rgb24",
			"-video_size", size,
			"-framerate", rate,
			"-i", device,
			"-f", "rawvideo",
			"-pix_fmt", "rgb24",
			"-",
		}, frame.ExpectedSize(f.Resolution, format.PixelFormatRGB24), nil

	case format.PixelFormatGRAY8:
		return []string{
			"-f", "v4l2",
			"-input_format", "gray",
			"-video_size", size,
			"-framerate", rate,
			"-i", device,
			"-f", "rawvideo",
			"-pix_fmt", "gray",
			"-",
		}, frame.ExpectedSize(f.Resolution, format.PixelFormatGRAY8), nil

	default:
		return nil, 0, fmt.Errorf("%w: %s", ErrFormatUnsupported, f.PixelFormat)
	}
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	re := regexp.MustCompile(`video(\d+)`)
	matches := re.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// parseCardType はv4l2-ctl --infoの出力から "Card type" を抽出する
func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Card type") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}

var (
	fourccLineRe   = regexp.MustCompile(`\[\d+\]: '(.{4})'`)
	sizeLineRe     = regexp.MustCompile(`Size: Discrete (\d+)x(\d+)`)
	intervalLineRe = regexp.MustCompile(`\(([\d.]+) fps\)`)
)

// v4l2StreamFormats はbuildFFmpegArgsがパイプラインを構築できる
// フォーマット。ここにないfourccは配信できないため列挙に載せない
var v4l2StreamFormats = map[format.PixelFormat]bool{
	format.PixelFormatMJPEG: true,
	format.PixelFormatYUYV:  true,
	format.PixelFormatNV12:  true,
	format.PixelFormatRGB24: true,
	format.PixelFormatGRAY8: true,
}

// parseFormatsExt はv4l2-ctl --list-formats-extの出力を
// CameraFormatの一覧に変換する。デバイスの列挙順を保持し、
// 配信できないフォーマットは除外する
func parseFormatsExt(output string) []format.CameraFormat {
	var (
		formats   []format.CameraFormat
		currentPF format.PixelFormat
		currentWH format.Resolution
		havePF    bool
		haveWH    bool
	)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if m := fourccLineRe.FindStringSubmatch(line); m != nil {
			currentPF = format.PixelFormatFromFourCC(m[1])
			havePF = v4l2StreamFormats[currentPF]
			haveWH = false
			continue
		}

		if m := sizeLineRe.FindStringSubmatch(line); m != nil && havePF {
			w, errW := strconv.ParseUint(m[1], 10, 32)
			h, errH := strconv.ParseUint(m[2], 10, 32)
			if errW != nil || errH != nil {
				haveWH = false
				continue
			}
			currentWH = format.NewResolution(uint32(w), uint32(h))
			haveWH = true
			continue
		}

		if m := intervalLineRe.FindStringSubmatch(line); m != nil && havePF && haveWH {
			fps, err := strconv.ParseFloat(m[1], 64)
			if err != nil || fps <= 0 {
				continue
			}
			formats = append(formats, format.CameraFormat{
				Resolution:  currentWH,
				FrameRate:   format.NewFrameRate(uint32(fps + 0.5)),
				PixelFormat: currentPF,
			})
		}
	}

	return formats
}

var controlLineRe = regexp.MustCompile(`^(\w+)\s+0x[0-9a-f]+\s+\((?:int|bool|menu)\)\s*:\s*(.*)$`)

// parseControlList はv4l2-ctl -lの出力をControlの一覧に変換する
// 例: "brightness 0x00980900 (int) : min=0 max=255 step=1 default=128 value=128"
func parseControlList(output string) map[ControlKey]Control {
	nameToKey := make(map[string]ControlKey, len(v4l2ControlNames))
	for key, name := range v4l2ControlNames {
		nameToKey[name] = key
	}

	controls := make(map[ControlKey]Control)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		m := controlLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		key, exists := nameToKey[m[1]]
		if !exists {
			continue
		}

		ctrl := Control{Key: key, Step: 1}
		for _, field := range strings.Fields(m[2]) {
			parts := strings.SplitN(field, "=", 2)
			if len(parts) != 2 {
				continue
			}
			value, err := strconv.ParseInt(parts[1], 10, 32)
			if err != nil {
				continue
			}
			switch parts[0] {
			case "min":
				ctrl.Min = int32(value)
			case "max":
				ctrl.Max = int32(value)
			case "step":
				ctrl.Step = int32(value)
			case "default":
				ctrl.Default = int32(value)
			case "value":
				ctrl.Value = int32(value)
			}
		}

		controls[key] = ctrl
	}

	return controls
}
