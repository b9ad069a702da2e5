package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mihari/internal/format"
	"mihari/internal/frame"
)

// MockDevice はモックバックエンドのデバイス定義
type MockDevice struct {
	ID       string
	Name     string
	Formats  []format.CameraFormat
	Controls map[ControlKey]Control

	// FrameInterval はフレーム生成間隔。0の場合は1ミリ秒
	FrameInterval time.Duration

	// FailAfter が正の場合、そのフレーム数を配信した後に
	// ErrStreamFatal を返す
	FailAfter int

	// EmitUnknownFormat が真の場合、未知のFourCCタグを持つ
	// フレームを配信する（解凍パイプラインの致命エラー再現用）
	EmitUnknownFormat bool

	// OpenErr が設定されている場合、Openがこのエラーを返す
	OpenErr error
}

// MockBackend はテスト・開発用の合成フレームバックエンド
// 実機のイベント駆動ソースと同じく、フレームの準備完了を待って
// 同期的なReadFrame契約に変換して公開する
type MockBackend struct {
	mu      sync.RWMutex
	devices []MockDevice
}

// NewMockBackend はデフォルトデバイス1台を持つMockBackendを作成する
func NewMockBackend() *MockBackend {
	return NewMockBackendWithDevices(DefaultMockDevice())
}

// NewMockBackendWithDevices は指定されたデバイス構成のMockBackendを作成する
func NewMockBackendWithDevices(devices ...MockDevice) *MockBackend {
	return &MockBackend{devices: devices}
}

// DefaultMockDevice は標準的なモックデバイス定義を返す
func DefaultMockDevice() MockDevice {
	return MockDevice{
		ID:   "mock-0",
		Name: "Mock Camera 0",
		Formats: []format.CameraFormat{
			format.NewCameraFormat(640, 480, 30, format.PixelFormatYUYV),
			format.NewCameraFormat(1280, 720, 30, format.PixelFormatYUYV),
			format.NewCameraFormat(640, 480, 60, format.PixelFormatMJPEG),
			format.NewCameraFormat(8, 8, 120, format.PixelFormatGRAY8),
		},
		Controls: map[ControlKey]Control{
			ControlBrightness: {Key: ControlBrightness, Min: 0, Max: 255, Step: 1, Default: 128, Value: 128},
			ControlContrast:   {Key: ControlContrast, Min: 0, Max: 100, Step: 1, Default: 50, Value: 50},
		},
	}
}

// Type はバックエンド種別を返す
func (b *MockBackend) Type() BackendType {
	return BackendMock
}

// Available は常に真を返す
func (b *MockBackend) Available(_ context.Context) bool {
	return true
}

// Enumerate はモックデバイスの記述一覧を返す
func (b *MockBackend) Enumerate(_ context.Context) ([]DeviceDescriptor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	descriptors := make([]DeviceDescriptor, 0, len(b.devices))
	for _, d := range b.devices {
		descriptors = append(descriptors, d.descriptor())
	}
	return descriptors, nil
}

// Open はモックデバイスを開く
func (b *MockBackend) Open(_ context.Context, deviceID string) (Handle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, d := range b.devices {
		if d.ID == deviceID {
			if d.OpenErr != nil {
				return nil, d.OpenErr
			}
			interval := d.FrameInterval
			if interval <= 0 {
				interval = time.Millisecond
			}
			return &mockHandle{device: d, interval: interval}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrOpenFailed, deviceID)
}

// AddDevice はテスト用にデバイスを追加する
func (b *MockBackend) AddDevice(device MockDevice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = append(b.devices, device)
}

// RemoveDevice はテスト用にデバイスを削除する
func (b *MockBackend) RemoveDevice(deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, d := range b.devices {
		if d.ID == deviceID {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			return
		}
	}
}

// descriptor はMockDeviceからDeviceDescriptorを作成する
func (d MockDevice) descriptor() DeviceDescriptor {
	keys := make([]ControlKey, 0, len(d.Controls))
	for _, key := range controlKeyOrder() {
		if _, exists := d.Controls[key]; exists {
			keys = append(keys, key)
		}
	}

	formats := make([]format.CameraFormat, len(d.Formats))
	copy(formats, d.Formats)

	return DeviceDescriptor{
		ID:       d.ID,
		Name:     d.Name,
		Backend:  BackendMock,
		Formats:  formats,
		Controls: keys,
	}
}

// mockHandle は合成フレームを生成するハンドル実装
// フレームのデータは全バイトがシーケンス番号(mod 256)で埋められるため、
// 配信順序の検証に使える
type mockHandle struct {
	device   MockDevice
	interval time.Duration

	mu        sync.Mutex
	current   format.CameraFormat
	formatSet bool
	streaming bool
	closed    bool
	seq       int
	controls  map[ControlKey]Control
}

// Descriptor はデバイス記述を返す
func (h *mockHandle) Descriptor() DeviceDescriptor {
	return h.device.descriptor()
}

// SupportedFormats はサポートフォーマット一覧を返す
func (h *mockHandle) SupportedFormats(_ context.Context) ([]format.CameraFormat, error) {
	formats := make([]format.CameraFormat, len(h.device.Formats))
	copy(formats, h.device.Formats)
	return formats, nil
}

// SetFormat はキャプチャフォーマットを設定する
func (h *mockHandle) SetFormat(_ context.Context, f format.CameraFormat) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrSessionClosed
	}

	for _, candidate := range h.device.Formats {
		if candidate == f {
			h.current = f
			h.formatSet = true
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrFormatUnsupported, f)
}

// StartStream はストリーミングを開始する。開始済みなら何もしない
func (h *mockHandle) StartStream(_ context.Context) error {
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

	h.streaming = true
	return nil
}

// StopStream はストリーミングを停止する。停止済みなら何もしない
func (h *mockHandle) StopStream(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.streaming = false
	return nil
}

// ReadFrame はフレーム生成間隔を待ってから合成フレームを返す
// コンテキストのキャンセルで即座に戻る
func (h *mockHandle) ReadFrame(ctx context.Context) (*frame.Raw, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if !h.streaming {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: ストリームが開始されていません", ErrStreamFatal)
	}
	current := h.current
	h.mu.Unlock()

	// フレーム準備完了を待つ（イベント駆動ソースの同期変換に相当）
	timer := time.NewTimer(h.interval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ErrStreamTimeout
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || !h.streaming {
		return nil, ErrStreamTimeout
	}

	if h.device.FailAfter > 0 && h.seq >= h.device.FailAfter {
		return nil, fmt.Errorf("%w: モックの障害が発生しました", ErrStreamFatal)
	}

	pf := current.PixelFormat
	if h.device.EmitUnknownFormat {
		pf = format.PixelFormatFromFourCC("XXXX")
	}

	size := frame.ExpectedSize(current.Resolution, current.PixelFormat)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(h.seq % 256)
	}
	h.seq++

	return &frame.Raw{
		Data:        data,
		PixelFormat: pf,
		Resolution:  current.Resolution,
		Timestamp:   time.Now(),
	}, nil
}

// GetControl はコントロールの範囲と現在値を返す
func (h *mockHandle) GetControl(_ context.Context, key ControlKey) (Control, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ensureControlsLocked()
	ctrl, exists := h.controls[key]
	if !exists {
		return Control{}, fmt.Errorf("%w: %s", ErrControlUnsupported, key)
	}
	return ctrl, nil
}

// SetControl はコントロール値を検証して設定する
func (h *mockHandle) SetControl(_ context.Context, key ControlKey, value int32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ensureControlsLocked()
	ctrl, exists := h.controls[key]
	if !exists {
		return fmt.Errorf("%w: %s", ErrControlUnsupported, key)
	}

	if err := ctrl.Validate(value); err != nil {
		return err
	}

	ctrl.Value = value
	h.controls[key] = ctrl
	return nil
}

// Close は全リソースを解放する
func (h *mockHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.streaming = false
	h.closed = true
}

// ensureControlsLocked はコントロール状態を遅延初期化する（ロック済み前提）
func (h *mockHandle) ensureControlsLocked() {
	if h.controls != nil {
		return
	}
	h.controls = make(map[ControlKey]Control, len(h.device.Controls))
	for key, ctrl := range h.device.Controls {
		h.controls[key] = ctrl
	}
}
