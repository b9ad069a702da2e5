package capture

import (
	"context"
	"errors"
	"testing"

	"mihari/internal/format"
)

// TestEngineDevices はエンジン経由のデバイス列挙をテストする
func TestEngineDevices(t *testing.T) {
	engine := NewEngineWithBackend(NewMockBackend(), EngineOptions{}, testLogger())

	devices, err := engine.Devices(context.Background())
	if err != nil {
		t.Fatalf("列挙に失敗しました: %v", err)
	}

	if len(devices) != 1 {
		t.Fatalf("デバイス数が一致しません: got %d, want 1", len(devices))
	}
	if devices[0].ID != "mock-0" {
		t.Errorf("デバイスIDが一致しません: got %s", devices[0].ID)
	}
	if devices[0].Backend != BackendMock {
		t.Errorf("バックエンドが一致しません: got %s", devices[0].Backend)
	}
}

// TestEngineOpenNegotiation はオープン時のフォーマット交渉をテストする
// 640x480の制約では、2候補のうち非圧縮のYUYVが選ばれる
func TestEngineOpenNegotiation(t *testing.T) {
	engine := NewEngineWithBackend(NewMockBackend(), EngineOptions{}, testLogger())

	constraint := format.Constraint{}.WithResolution(640, 480)
	session, err := engine.Open(context.Background(), "mock-0", constraint)
	if err != nil {
		t.Fatalf("オープンに失敗しました: %v", err)
	}
	defer session.Close()

	want := format.NewCameraFormat(640, 480, 30, format.PixelFormatYUYV)
	if got := session.Format(); got != want {
		t.Errorf("交渉結果が一致しません: got %v, want %v", got, want)
	}
	if got := session.State(); got != StateIdle {
		t.Errorf("オープン直後はIdleであるべきです: got %v", got)
	}
}

// TestEngineOpenNotFound は存在しないデバイスのオープンをテストする
func TestEngineOpenNotFound(t *testing.T) {
	engine := NewEngineWithBackend(NewMockBackend(), EngineOptions{}, testLogger())

	_, err := engine.Open(context.Background(), "mock-99", format.Constraint{})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("ErrDeviceNotFoundが期待されましたが: %v", err)
	}
}

// TestEngineOpenNoMatchingFormat は交渉不成立のオープンをテストする
func TestEngineOpenNoMatchingFormat(t *testing.T) {
	engine := NewEngineWithBackend(NewMockBackend(), EngineOptions{}, testLogger())

	constraint := format.Constraint{}.WithPixelFormat(format.PixelFormatNV12)
	_, err := engine.Open(context.Background(), "mock-0", constraint)
	if !errors.Is(err, format.ErrNoMatchingFormat) {
		t.Errorf("ErrNoMatchingFormatが期待されましたが: %v", err)
	}
}

// TestEngineOpenBusy は占有中デバイスのオープンをテストする
func TestEngineOpenBusy(t *testing.T) {
	device := DefaultMockDevice()
	device.OpenErr = ErrDeviceBusy

	engine := NewEngineWithBackend(NewMockBackendWithDevices(device), EngineOptions{}, testLogger())

	_, err := engine.Open(context.Background(), "mock-0", format.Constraint{})
	if !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("ErrDeviceBusyが期待されましたが: %v", err)
	}
}

// TestEngineSessionIDsUnique はセッション識別子の一意性をテストする
func TestEngineSessionIDsUnique(t *testing.T) {
	engine := NewEngineWithBackend(NewMockBackend(), EngineOptions{}, testLogger())

	first, err := engine.Open(context.Background(), "mock-0", format.Constraint{})
	if err != nil {
		t.Fatalf("オープンに失敗しました: %v", err)
	}
	defer first.Close()

	second, err := engine.Open(context.Background(), "mock-0", format.Constraint{})
	if err != nil {
		t.Fatalf("オープンに失敗しました: %v", err)
	}
	defer second.Close()

	if first.ID() == second.ID() {
		t.Error("セッション識別子が重複しています")
	}
}
