package capture

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"mihari/internal/format"
	"mihari/internal/frame"
)

// GStreamerBackend はgst-launch-1.0を使うGStreamerバックエンド
// パイプラインがJPEGフレームを一時ディレクトリへ書き出し、
// ファイル監視経由で読み取る
type GStreamerBackend struct {
	log *logrus.Entry
}

// NewGStreamerBackend は新しいGStreamerBackendを作成する
func NewGStreamerBackend() *GStreamerBackend {
	return &GStreamerBackend{
		log: logrus.WithField("backend", BackendGStreamer),
	}
}

// Type はバックエンド種別を返す
func (b *GStreamerBackend) Type() BackendType {
	return BackendGStreamer
}

// Available はgstreamerツールが存在するかを返す
func (b *GStreamerBackend) Available(_ context.Context) bool {
	if _, err := exec.LookPath("gst-device-monitor-1.0"); err != nil {
		return false
	}
	if _, err := exec.LookPath("gst-launch-1.0"); err != nil {
		return false
	}
	return true
}

// Enumerate はgst-device-monitor-1.0でビデオソースを列挙する
func (b *GStreamerBackend) Enumerate(ctx context.Context) ([]DeviceDescriptor, error) {
	cmd := exec.CommandContext(ctx, "gst-device-monitor-1.0")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gst-device-monitor-1.0 の実行に失敗: %w", err)
	}

	return parseDeviceMonitor(string(output)), nil
}

// Open はデバイスを開いてハンドルを返す
func (b *GStreamerBackend) Open(ctx context.Context, deviceID string) (Handle, error) {
	descriptors, err := b.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	for _, desc := range descriptors {
		if desc.ID == deviceID {
			return &gstHandle{
				desc:        desc,
				readTimeout: 5 * time.Second,
				log:         b.log.WithField("device", deviceID),
			}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrOpenFailed, deviceID)
}

// gstHandle は開かれたGStreamerデバイスへの操作を実装する
type gstHandle struct {
	desc        DeviceDescriptor
	readTimeout time.Duration
	log         *logrus.Entry

	mu        sync.Mutex
	current   format.CameraFormat
	formatSet bool
	streaming bool
	closed    bool

	cancel  context.CancelFunc
	watcher *fsnotify.Watcher
	tempDir string
	frameCh chan []byte
	errCh   chan error
	done    chan struct{}
}

// Descriptor はデバイス記述を返す
func (h *gstHandle) Descriptor() DeviceDescriptor {
	return h.desc
}

// SupportedFormats はサポートフォーマット一覧を返す
func (h *gstHandle) SupportedFormats(_ context.Context) ([]format.CameraFormat, error) {
	formats := make([]format.CameraFormat, len(h.desc.Formats))
	copy(formats, h.desc.Formats)
	return formats, nil
}

// SetFormat はキャプチャフォーマットを設定する
func (h *gstHandle) SetFormat(ctx context.Context, f format.CameraFormat) error {
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

// StartStream はgstreamerパイプラインを起動する。開始済みなら何もしない
func (h *gstHandle) StartStream(ctx context.Context) error {
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

// StopStream はパイプラインを停止する。停止済みなら何もしない
func (h *gstHandle) StopStream(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.streaming {
		return nil
	}

	h.stopPipelineLocked()
	return nil
}

// ReadFrame は1フレームを読み取る
func (h *gstHandle) ReadFrame(ctx context.Context) (*frame.Raw, error) {
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
			PixelFormat: format.PixelFormatMJPEG,
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

// GetControl はGStreamerバックエンドではコントロールを提供しない
func (h *gstHandle) GetControl(_ context.Context, key ControlKey) (Control, error) {
	return Control{}, fmt.Errorf("%w: %s", ErrControlUnsupported, key)
}

// SetControl はGStreamerバックエンドではコントロールを提供しない
func (h *gstHandle) SetControl(_ context.Context, key ControlKey, _ int32) error {
	return fmt.Errorf("%w: %s", ErrControlUnsupported, key)
}

// Close はストリーミング中でも全リソースを解放する
func (h *gstHandle) Close() {
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

// startPipelineLocked はgst-launch-1.0を起動する（ロック済み前提）
// パイプラインはJPEGフレームを一時ディレクトリへ書き出し、
// fsnotifyの監視で読み取ってチャンネルへ送る
func (h *gstHandle) startPipelineLocked(_ context.Context) error {
	tempDir, err := os.MkdirTemp("", "mihari-gst-")
	if err != nil {
		return fmt.Errorf("%w: 一時ディレクトリの作成に失敗: %v", ErrStreamFatal, err)
	}

	args := []string{
		"v4l2src",
		"device=" + h.desc.ID,
		"!",
		fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/%d",
			h.current.Resolution.Width, h.current.Resolution.Height,
			h.current.FrameRate.Numerator, maxUint32(h.current.FrameRate.Denominator, 1)),
		"!",
		"videoconvert",
		"!",
		"jpegenc",
		"!",
		"multifilesink",
		"location=" + tempDir + "/frame%05d.jpg",
	}

	pipeCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(pipeCtx, "gst-launch-1.0", args...)
	cmd.Dir = tempDir

	if err := cmd.Start(); err != nil {
		cancel()
		_ = os.RemoveAll(tempDir)
		return fmt.Errorf("%w: gst-launch-1.0の起動に失敗: %v", ErrStreamFatal, err)
	}
	go func() {
		_ = cmd.Wait() // キャンセル時のエラーは無視
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		_ = os.RemoveAll(tempDir)
		return fmt.Errorf("%w: ファイル監視の作成に失敗: %v", ErrStreamFatal, err)
	}

	h.cancel = cancel
	h.watcher = watcher
	h.tempDir = tempDir
	h.frameCh = make(chan []byte, 4)
	h.errCh = make(chan error, 1)
	h.done = make(chan struct{})

	go h.watchFrames(pipeCtx, watcher, h.frameCh, h.errCh, h.done)

	if err := watcher.Add(tempDir); err != nil {
		h.stopPipelineLocked()
		return fmt.Errorf("%w: 監視の登録に失敗: %v", ErrStreamFatal, err)
	}

	h.streaming = true
	h.log.WithField("format", h.current.String()).Info("ストリーミングを開始しました")
	return nil
}

// stopPipelineLocked はパイプラインを停止してリソースを回収する（ロック済み前提）
func (h *gstHandle) stopPipelineLocked() {
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	if h.watcher != nil {
		_ = h.watcher.Close()
		h.watcher = nil
	}
	if h.done != nil {
		<-h.done
		h.done = nil
	}
	if h.tempDir != "" {
		_ = os.RemoveAll(h.tempDir)
		h.tempDir = ""
	}

	h.streaming = false
	h.log.Info("ストリーミングを停止しました")
}

// watchFrames は書き出されたJPEGファイルを読み取ってチャンネルへ送る
// 部分書き込みのファイルは次のイベントで拾われるため読み飛ばす
func (h *gstHandle) watchFrames(ctx context.Context, watcher *fsnotify.Watcher, frameCh chan []byte, errCh chan error, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create == 0 || !strings.HasSuffix(ev.Name, ".jpg") {
				continue
			}

			// multifilesinkは書き込み完了後に次のファイルを作るため、
			// 直前のファイルを読む
			data, err := os.ReadFile(ev.Name)
			if err != nil {
				continue
			}
			_ = os.Remove(ev.Name)

			if len(data) == 0 {
				continue
			}

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

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			select {
			case errCh <- fmt.Errorf("ファイル監視エラー: %w", err):
			default:
			}
			return
		}
	}
}

// maxUint32 は2値の大きい方を返す
func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

var (
	gstWidthRe     = regexp.MustCompile(`width=(?:\(int\))?(\d+)`)
	gstHeightRe    = regexp.MustCompile(`height=(?:\(int\))?(\d+)`)
	gstFramerateRe = regexp.MustCompile(`framerate=(?:\(fraction\))?(\d+)/(\d+)`)
)

// parseDeviceMonitor はgst-device-monitor-1.0の出力からビデオソースを抽出する
func parseDeviceMonitor(output string) []DeviceDescriptor {
	type rawDevice struct {
		id        string
		name      string
		class     string
		caps      []string
		inCapMode bool
	}

	var devices []rawDevice
	var current *rawDevice

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if line == "Device found:" {
			if current != nil {
				devices = append(devices, *current)
			}
			current = &rawDevice{}
			continue
		}
		if current == nil {
			continue
		}

		switch {
		case strings.HasPrefix(line, "name  :"):
			current.name = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		case strings.HasPrefix(line, "class :"):
			current.class = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		case strings.HasPrefix(line, "caps  :"):
			current.caps = append(current.caps, strings.TrimSpace(strings.SplitN(line, ":", 2)[1]))
			current.inCapMode = true
		case strings.HasPrefix(line, "properties:"):
			current.inCapMode = false
		case strings.HasPrefix(line, "device.path ="):
			current.id = strings.TrimSpace(strings.SplitN(line, "=", 2)[1])
		default:
			if current.inCapMode {
				current.caps = append(current.caps, line)
			}
		}
	}
	if current != nil && current.id != "" {
		devices = append(devices, *current)
	}

	var descriptors []DeviceDescriptor
	for _, d := range devices {
		if d.class != "Video/Source" || d.id == "" {
			continue
		}

		var formats []format.CameraFormat
		for _, cap := range d.caps {
			if !strings.HasPrefix(cap, "video/x-raw") {
				continue
			}
			mw := gstWidthRe.FindStringSubmatch(cap)
			mh := gstHeightRe.FindStringSubmatch(cap)
			mf := gstFramerateRe.FindStringSubmatch(cap)
			if mw == nil || mh == nil || mf == nil {
				continue
			}

			w, errW := strconv.ParseUint(mw[1], 10, 32)
			h, errH := strconv.ParseUint(mh[1], 10, 32)
			num, errN := strconv.ParseUint(mf[1], 10, 32)
			den, errD := strconv.ParseUint(mf[2], 10, 32)
			if errW != nil || errH != nil || errN != nil || errD != nil || w == 0 || h == 0 || num == 0 || den == 0 {
				continue
			}

			// パイプラインはjpegencを通すため、配信フォーマットはMJPEG
			formats = append(formats, format.CameraFormat{
				Resolution:  format.NewResolution(uint32(w), uint32(h)),
				FrameRate:   format.FrameRate{Numerator: uint32(num), Denominator: uint32(den)},
				PixelFormat: format.PixelFormatMJPEG,
			})
		}
		if len(formats) == 0 {
			continue
		}

		descriptors = append(descriptors, DeviceDescriptor{
			ID:      d.id,
			Name:    d.name,
			Backend: BackendGStreamer,
			Formats: formats,
		})
	}

	return descriptors
}
