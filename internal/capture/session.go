package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mihari/internal/format"
	"mihari/internal/frame"
)

// State はキャプチャセッションの状態を表す
type State string

const (
	StateIdle      State = "idle"      // ストリーミング停止中
	StateStreaming State = "streaming" // 取得ループが動作中
	StateStopping  State = "stopping"  // 停止処理中
	StateFaulted   State = "faulted"   // 致命的エラーで停止（クローズまで回復しない）
)

// Session はオープン済みデバイスのキャプチャセッションを表す
//
// セッションごとに専用のゴルーチンが取得ループを実行する。呼び出し側の
// スレッドはデバイスI/Oも解凍も行わず、NextFrameでフレームを受け取る
// だけである。フレームチャンネルは有界で、満杯時は最古のフレームを捨てて
// 最新を残す。配信は取得順と厳密に一致し、並べ替えも重複もない
type Session struct {
	id        string
	handle    Handle
	depth     int
	closeWait time.Duration
	log       *logrus.Entry

	mu         sync.Mutex
	current    format.CameraFormat
	state      State
	fault      error
	closed     bool
	frames     chan *frame.Decoded
	loopCancel context.CancelFunc
	stopDone   chan struct{}
	wg         sync.WaitGroup
}

// newSession は新しいSessionを作成する。フォーマットは設定済みであること
func newSession(id string, handle Handle, f format.CameraFormat, depth int, log *logrus.Entry) *Session {
	if depth < 1 {
		depth = 1
	}
	return &Session{
		id:        id,
		handle:    handle,
		current:   f,
		depth:     depth,
		closeWait: 10 * time.Second,
		state:     StateIdle,
		log:       log,
	}
}

// ID はセッション識別子を返す
func (s *Session) ID() string {
	return s.id
}

// Descriptor はこのセッションのデバイス記述を返す
func (s *Session) Descriptor() DeviceDescriptor {
	return s.handle.Descriptor()
}

// Format は現在のキャプチャフォーマットを返す
func (s *Session) Format() format.CameraFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// State は現在の状態を返す
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// lockNotStopping はs.muを取得し、停止処理中ならその完了を待ってから
// 取り直す。nilを返したときはロックを保持しており、stateはStopping以外
//
// Stopはロックを手放してループの終了を待つため、その間に割り込んだ
// 開始系の操作はここで停止の完了まで追い出される
func (s *Session) lockNotStopping(ctx context.Context) error {
	s.mu.Lock()
	for s.state == StateStopping {
		stopDone := s.stopDone
		s.mu.Unlock()
		select {
		case <-stopDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	return nil
}

// Start は取得ループを開始する
// 既にストリーミング中なら何もしない。停止処理中はその完了を待つ
// Faulted状態では記録された障害を返す
func (s *Session) Start(ctx context.Context) error {
	if err := s.lockNotStopping(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.state == StateFaulted {
		return s.fault
	}
	if s.state == StateStreaming {
		return nil
	}

	if err := s.handle.StartStream(ctx); err != nil {
		return fmt.Errorf("ストリームの開始に失敗: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.frames = make(chan *frame.Decoded, s.depth)
	s.state = StateStreaming

	s.wg.Add(1)
	go s.loop(loopCtx, s.frames)

	s.log.WithField("format", s.current.String()).Info("キャプチャループを開始しました")
	return nil
}

// Stop は取得ループを停止してIdleに戻す
// 停止済みなら何もしない。Faulted状態では記録された障害を返す
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state == StateFaulted {
		fault := s.fault
		s.mu.Unlock()
		return fault
	}
	if s.state != StateStreaming {
		s.mu.Unlock()
		return nil
	}

	s.state = StateStopping
	s.stopDone = make(chan struct{})
	stopDone := s.stopDone
	cancel := s.loopCancel
	s.loopCancel = nil
	s.mu.Unlock()

	// ループは各イテレーションの先頭でキャンセルを観測して速やかに抜ける
	// 停止処理中の開始系の操作はstopDoneで待たされるため、待機中に
	// 新しいループが生まれることはない
	cancel()
	s.wg.Wait()

	if err := s.handle.StopStream(ctx); err != nil {
		s.log.WithError(err).Warn("ストリームの停止でエラーが発生しました")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(stopDone)

	// 停止処理と競合してループが障害を記録した場合はFaultedを維持する
	if s.state == StateStopping {
		s.state = StateIdle
	}

	// 前回実行のフレームが再開後に混ざらないよう排出する
	s.drainLocked()

	s.log.Info("キャプチャループを停止しました")
	return nil
}

// NextFrame は次の解凍済みフレームを返す
//
// timeoutが0の場合は待機せず、フレームがなければErrNoFrameを返す
// それ以外は最大timeoutだけ待ち、届かなければErrNoFrameを返す
// Faulted状態では保留中のフレームではなく記録された障害を返す
func (s *Session) NextFrame(timeout time.Duration) (*frame.Decoded, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.state == StateFaulted {
		fault := s.fault
		s.mu.Unlock()
		return nil, fault
	}
	frames := s.frames
	s.mu.Unlock()

	if frames == nil {
		return nil, ErrNoFrame
	}

	if timeout <= 0 {
		select {
		case decoded := <-frames:
			return decoded, nil
		default:
			return nil, ErrNoFrame
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decoded := <-frames:
		return decoded, nil
	case <-timer.C:
		// 待機中に障害が発生していたらそれを報告する
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateFaulted {
			return nil, s.fault
		}
		return nil, ErrNoFrame
	}
}

// SetFormat はキャプチャフォーマットを変更する
// ストリーミング中は内部で停止・再開を行い、取得ループと直列化される
func (s *Session) SetFormat(ctx context.Context, f format.CameraFormat) error {
	return s.withStreamPaused(ctx, func() error {
		if err := s.handle.SetFormat(ctx, f); err != nil {
			return err
		}
		s.mu.Lock()
		s.current = f
		s.mu.Unlock()
		return nil
	})
}

// GetControl はコントロールの範囲と現在値を取得する
func (s *Session) GetControl(ctx context.Context, key ControlKey) (Control, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Control{}, ErrSessionClosed
	}
	if s.state == StateFaulted {
		fault := s.fault
		s.mu.Unlock()
		return Control{}, fault
	}
	s.mu.Unlock()

	return s.handle.GetControl(ctx, key)
}

// SetControl はコントロール値を設定する
// ストリーミング中は内部で停止・再開を行い、取得ループと直列化される
func (s *Session) SetControl(ctx context.Context, key ControlKey, value int32) error {
	return s.withStreamPaused(ctx, func() error {
		return s.handle.SetControl(ctx, key, value)
	})
}

// Close はセッションを終了してバックエンドのリソースを解放する
//
// 読み取り中のループには有界の待機時間を与え、時間内に戻らなくても
// ハンドルは必ず解放される。全ての終了経路で呼ばれるため、エラーは
// ログに残すだけで伝播させない
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.loopCancel
	s.loopCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// 実行中の読み取りの完了を有界で待つ
	if !waitTimeout(&s.wg, s.closeWait) {
		s.log.Warn("取得ループの終了待ちがタイムアウトしました")
	}

	ctx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelStop()
	if err := s.handle.StopStream(ctx); err != nil {
		s.log.WithError(err).Warn("ストリームの停止でエラーが発生しました")
	}

	s.handle.Close()

	s.mu.Lock()
	s.drainLocked()
	s.mu.Unlock()

	s.log.Info("セッションをクローズしました")
}

// loop は取得ループの本体。1イテレーションごとに
// 読み取り→解凍→配信を行う
//
// フレーム単位の障害（タイムアウト・解凍失敗・不正フレーム）は
// ログに残してスキップし、致命的な障害でFaultedに遷移して終了する
func (s *Session) loop(ctx context.Context, frames chan *frame.Decoded) {
	defer s.wg.Done()

	for {
		// キャンセルはイテレーションの先頭で観測し、フレームの途中では抜けない
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := s.handle.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrStreamTimeout) {
				s.log.Debug("フレーム読み取りがタイムアウトしました（スキップ）")
				continue
			}
			s.fail(err)
			return
		}

		decoded, err := frame.Decode(raw)
		if err != nil {
			if errors.Is(err, frame.ErrUnsupportedPixelFormat) {
				// 未知のバイト列は安全に解釈できないため致命的
				s.fail(err)
				return
			}
			s.log.WithError(err).Warn("フレームを破棄しました")
			continue
		}

		s.publish(frames, decoded)
	}
}

// publish は解凍済みフレームをチャンネルへ送る
// 満杯の場合は最古のフレームを捨てて最新を残し、取得を止めない
func (s *Session) publish(frames chan *frame.Decoded, decoded *frame.Decoded) {
	select {
	case frames <- decoded:
		return
	default:
	}

	select {
	case <-frames:
	default:
	}

	select {
	case frames <- decoded:
	default:
	}
}

// fail は致命的な障害を記録してFaultedに遷移する
// 以後の全ての操作はクローズまでこの障害を報告する
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.state == StateFaulted {
		return
	}

	s.state = StateFaulted
	s.fault = err
	s.log.WithError(err).Error("セッションが致命的エラーで停止しました")
}

// withStreamPaused はストリーミング中ならループを停止してfnを実行し、
// 完了後に再開する。取得ループとの並行実行を防ぐための直列化
func (s *Session) withStreamPaused(ctx context.Context, fn func() error) error {
	if err := s.lockNotStopping(ctx); err != nil {
		return err
	}
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state == StateFaulted {
		fault := s.fault
		s.mu.Unlock()
		return fault
	}
	wasStreaming := s.state == StateStreaming
	s.mu.Unlock()

	if wasStreaming {
		if err := s.Stop(ctx); err != nil {
			return err
		}
	}

	if err := fn(); err != nil {
		// 失敗時もストリームは再開する
		if wasStreaming {
			if startErr := s.Start(ctx); startErr != nil {
				s.log.WithError(startErr).Warn("ストリームの再開に失敗しました")
			}
		}
		return err
	}

	if wasStreaming {
		return s.Start(ctx)
	}
	return nil
}

// drainLocked はフレームチャンネルを空にする（ロック済み前提）
func (s *Session) drainLocked() {
	if s.frames == nil {
		return
	}
	for {
		select {
		case <-s.frames:
		default:
			return
		}
	}
}

// waitTimeout はWaitGroupの完了を最大dまで待つ
// 完了したら真、タイムアウトしたら偽を返す
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
