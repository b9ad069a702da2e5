package capture

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mihari/internal/format"
)

// EngineOptions はEngineの動作設定
type EngineOptions struct {
	Backend      BackendType // 使用するバックエンド（既定はBackendAuto）
	ChannelDepth int         // セッションのフレームチャンネル容量（既定は1）
}

// Engine はデバイス列挙からセッション生成までをまとめる入口
//
// バックエンドの選択・デバイスの解決・フォーマット交渉を担い、
// オープンに成功したデバイスをSessionとして払い出す
type Engine struct {
	backend  Backend
	registry *Registry
	depth    int
	log      *logrus.Entry
}

// NewEngine は指定されたバックエンドでEngineを作成する
// バックエンドが利用できない環境ではErrBackendUnavailableを返す
func NewEngine(opts EngineOptions, log *logrus.Logger) (*Engine, error) {
	if opts.Backend == "" {
		opts.Backend = BackendAuto
	}
	if opts.ChannelDepth < 1 {
		opts.ChannelDepth = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	factory := NewFactory()
	backend, err := factory.Create(context.Background(), opts.Backend)
	if err != nil {
		return nil, err
	}

	entry := log.WithField("backend", backend.Type())
	entry.Info("キャプチャエンジンを初期化しました")

	return &Engine{
		backend:  backend,
		registry: NewRegistry(backend),
		depth:    opts.ChannelDepth,
		log:      entry,
	}, nil
}

// NewEngineWithBackend は構築済みのバックエンドからEngineを作成する
// テストやカスタムバックエンドの組み込みに使う
func NewEngineWithBackend(backend Backend, opts EngineOptions, log *logrus.Logger) *Engine {
	if opts.ChannelDepth < 1 {
		opts.ChannelDepth = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		backend:  backend,
		registry: NewRegistry(backend),
		depth:    opts.ChannelDepth,
		log:      log.WithField("backend", backend.Type()),
	}
}

// Backend は使用中のバックエンド種別を返す
func (e *Engine) Backend() BackendType {
	return e.backend.Type()
}

// Devices は接続中のデバイス一覧を再列挙して返す
func (e *Engine) Devices(ctx context.Context) ([]DeviceDescriptor, error) {
	return e.registry.Enumerate(ctx)
}

// Device は識別子からデバイス記述を解決する
func (e *Engine) Device(ctx context.Context, id string) (DeviceDescriptor, error) {
	return e.registry.Resolve(ctx, id)
}

// Open はデバイスをオープンし、制約に従ってフォーマットを交渉した
// セッションを返す。セッションはIdle状態で払い出され、Startで
// ストリーミングを開始する
//
// 交渉に一致するフォーマットがない場合やデバイスが使用中の場合は
// ハンドルを解放してエラーを返す
func (e *Engine) Open(ctx context.Context, deviceID string, constraint format.Constraint) (*Session, error) {
	desc, err := e.registry.Resolve(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	handle, err := e.backend.Open(ctx, desc.ID)
	if err != nil {
		return nil, err
	}

	supported, err := handle.SupportedFormats(ctx)
	if err != nil {
		handle.Close()
		return nil, fmt.Errorf("対応フォーマットの取得に失敗: %w", err)
	}

	negotiated, err := format.Negotiate(supported, constraint)
	if err != nil {
		handle.Close()
		return nil, err
	}

	if err := handle.SetFormat(ctx, negotiated); err != nil {
		handle.Close()
		return nil, err
	}

	id := uuid.NewString()
	log := e.log.WithFields(logrus.Fields{
		"session": id,
		"device":  desc.ID,
	})
	log.WithField("format", negotiated.String()).Info("デバイスをオープンしました")

	return newSession(id, handle, negotiated, e.depth, log), nil
}
