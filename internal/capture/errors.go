package capture

import "errors"

var (
	// ErrBackendUnavailable は認識されない、または現在の環境で利用できない
	// バックエンドが指定されたことを示す
	ErrBackendUnavailable = errors.New("バックエンドが利用できません")

	// ErrEnumeration はプラットフォームのデバイス列挙呼び出しが
	// 失敗したことを示す
	ErrEnumeration = errors.New("デバイスの列挙に失敗しました")

	// ErrDeviceNotFound は指定された識別子のデバイスが
	// レジストリに存在しないことを示す
	ErrDeviceNotFound = errors.New("デバイスが見つかりません")

	// ErrDeviceBusy はデバイスが他の利用者に占有されていることを示す
	ErrDeviceBusy = errors.New("デバイスが使用中です")

	// ErrOpenFailed はデバイスのオープンに失敗したことを示す
	ErrOpenFailed = errors.New("デバイスのオープンに失敗しました")

	// ErrFormatUnsupported は指定された三つ組がデバイスの
	// サポート一覧に存在しないことを示す。この層では暗黙の
	// フォールバックは行わない
	ErrFormatUnsupported = errors.New("フォーマットがサポートされていません")

	// ErrControlUnsupported はデバイスが持たないコントロールが
	// 指定されたことを示す
	ErrControlUnsupported = errors.New("コントロールがサポートされていません")

	// ErrControlOutOfRange はコントロール値が許容範囲外であることを示す
	ErrControlOutOfRange = errors.New("コントロール値が範囲外です")

	// ErrStreamTimeout はフレーム読み取りが制限時間内に完了しなかった
	// ことを示す（フレーム単位で回復可能）
	ErrStreamTimeout = errors.New("フレーム読み取りがタイムアウトしました")

	// ErrStreamFatal はストリームの致命的な障害を示す
	// セッションはFaulted状態に遷移し、クローズまで回復しない
	ErrStreamFatal = errors.New("ストリームで致命的なエラーが発生しました")

	// ErrNoFrame は待機なし受信でフレームが存在しなかったことを示す
	ErrNoFrame = errors.New("利用可能なフレームがありません")

	// ErrSessionClosed はクローズ済みセッションへの操作を示す
	ErrSessionClosed = errors.New("セッションはクローズされています")
)
