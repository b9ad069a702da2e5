package capture

import (
	"context"
	"fmt"

	"mihari/internal/format"
	"mihari/internal/frame"
)

// BackendType はキャプチャバックエンドの種別を表す
type BackendType string

const (
	// BackendAuto は利用可能なバックエンドを自動選択する
	BackendAuto BackendType = "auto"
	// BackendV4L2 はv4l2-ctl/ffmpeg経由のVideo4Linux2バックエンドを表す
	BackendV4L2 BackendType = "v4l2"
	// BackendGStreamer はgst-launch-1.0経由のGStreamerバックエンドを表す
	BackendGStreamer BackendType = "gstreamer"
	// BackendMock はテスト・開発用の合成フレームバックエンドを表す
	BackendMock BackendType = "mock"
)

// Backend は全てのキャプチャバックエンドが満たすケイパビリティ契約
// 各バックエンドはこのフラットな契約を実装する葉であり、
// 深い継承階層は作らない
type Backend interface {
	// Type はバックエンド種別を返す
	Type() BackendType

	// Available はこの環境でバックエンドが利用可能かどうかを返す
	Available(ctx context.Context) bool

	// Enumerate は現在接続されているデバイスの一覧を返す
	// ハードウェアへの問い合わせを伴うため、ブロッキングI/Oとして扱うこと
	Enumerate(ctx context.Context) ([]DeviceDescriptor, error)

	// Open はデバイスを開いてハンドルを返す
	// ErrDeviceBusy または ErrOpenFailed で失敗する
	Open(ctx context.Context, deviceID string) (Handle, error)
}

// Handle は開かれたデバイスへの操作を提供する
// ストリーミング中のハンドルはキャプチャループが排他的に所有する
type Handle interface {
	// Descriptor はこのハンドルのデバイス記述を返す
	Descriptor() DeviceDescriptor

	// SupportedFormats はデバイスがサポートするフォーマット一覧を返す
	SupportedFormats(ctx context.Context) ([]format.CameraFormat, error)

	// SetFormat はキャプチャフォーマットを設定する
	// 三つ組が完全一致でサポートされていない場合は ErrFormatUnsupported
	// を返す。フォールバックはネゴシエータの仕事であり、この層では行わない
	SetFormat(ctx context.Context, f format.CameraFormat) error

	// StartStream はストリーミングを開始する。既に開始済みなら何もしない
	StartStream(ctx context.Context) error

	// StopStream はストリーミングを停止する。停止済みなら何もしない
	StopStream(ctx context.Context) error

	// ReadFrame は1フレームを読み取る。実装定義のタイムアウト付きで
	// ブロックし、ErrStreamTimeout（回復可能）または ErrStreamFatal
	// （セッションにとって致命的）で失敗する
	ReadFrame(ctx context.Context) (*frame.Raw, error)

	// GetControl はコントロールの範囲と現在値を取得する
	GetControl(ctx context.Context, key ControlKey) (Control, error)

	// SetControl はコントロール値を設定する
	SetControl(ctx context.Context, key ControlKey, value int32) error

	// Close はストリーミング中でも全てのリソースを解放する
	// 全ての終了経路で呼ばれるため、エラーはログに残すだけで伝播させない
	Close()
}

// BackendCreator はバックエンド生成関数の型
type BackendCreator func() Backend

// Factory は設定駆動のバックエンド選択を担う
// コンパイル時のフィーチャーフラグの代わりに、起動時に種別を解決する
type Factory struct {
	creators map[BackendType]BackendCreator
	order    []BackendType // auto選択時の優先順
}

// NewFactory は標準バックエンドを登録したファクトリーを作成する
func NewFactory() *Factory {
	f := &Factory{creators: make(map[BackendType]BackendCreator)}

	f.Register(BackendV4L2, func() Backend { return NewV4L2Backend() })
	f.Register(BackendGStreamer, func() Backend { return NewGStreamerBackend() })
	f.Register(BackendMock, func() Backend { return NewMockBackend() })

	return f
}

// Register はバックエンド生成関数を登録する
// auto選択時は登録順に利用可否を確認する
func (f *Factory) Register(t BackendType, creator BackendCreator) {
	f.creators[t] = creator
	f.order = append(f.order, t)
}

// Create は指定された種別のバックエンドを生成する
// 認識されない種別、または環境で利用できないバックエンドは
// ErrBackendUnavailable で拒否する
func (f *Factory) Create(ctx context.Context, t BackendType) (Backend, error) {
	if t == BackendAuto {
		return f.createAuto(ctx)
	}

	creator, exists := f.creators[t]
	if !exists {
		return nil, fmt.Errorf("%w: 認識されない種別 %q", ErrBackendUnavailable, t)
	}

	backend := creator()
	if !backend.Available(ctx) {
		return nil, fmt.Errorf("%w: %s はこの環境で利用できません", ErrBackendUnavailable, t)
	}

	return backend, nil
}

// createAuto は登録順に利用可能なバックエンドを探す
func (f *Factory) createAuto(ctx context.Context) (Backend, error) {
	for _, t := range f.order {
		// モックは明示指定のみ
		if t == BackendMock {
			continue
		}
		backend := f.creators[t]()
		if backend.Available(ctx) {
			return backend, nil
		}
	}
	return nil, fmt.Errorf("%w: 利用可能なバックエンドがありません", ErrBackendUnavailable)
}

// SupportedTypes は登録済みのバックエンド種別を返す
func (f *Factory) SupportedTypes() []BackendType {
	types := make([]BackendType, len(f.order))
	copy(types, f.order)
	return types
}
