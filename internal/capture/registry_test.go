package capture

import (
	"context"
	"errors"
	"testing"
)

// TestRegistryEnumerate は列挙とスナップショットの保持をテストする
func TestRegistryEnumerate(t *testing.T) {
	backend := NewMockBackend()
	registry := NewRegistry(backend)

	devices, err := registry.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("列挙に失敗しました: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("デバイス数が一致しません: got %d, want 1", len(devices))
	}

	// スナップショットは再問い合わせなしで返る
	snapshot := registry.Devices()
	if len(snapshot) != 1 || snapshot[0].ID != "mock-0" {
		t.Errorf("スナップショットが一致しません: %v", snapshot)
	}
}

// TestRegistryResolve は識別子の解決をテストする
func TestRegistryResolve(t *testing.T) {
	registry := NewRegistry(NewMockBackend())

	// 初回アクセスは暗黙に列挙する
	desc, err := registry.Resolve(context.Background(), "mock-0")
	if err != nil {
		t.Fatalf("解決に失敗しました: %v", err)
	}
	if desc.Name != "Mock Camera 0" {
		t.Errorf("デバイス名が一致しません: got %s", desc.Name)
	}

	_, err = registry.Resolve(context.Background(), "mock-99")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("ErrDeviceNotFoundが期待されましたが: %v", err)
	}
}

// TestRegistrySnapshotReplaced は再列挙で古い記述が破棄されることをテストする
func TestRegistrySnapshotReplaced(t *testing.T) {
	backend := NewMockBackend()
	registry := NewRegistry(backend)

	if _, err := registry.Enumerate(context.Background()); err != nil {
		t.Fatalf("列挙に失敗しました: %v", err)
	}

	// デバイスが切断された後の再列挙
	backend.RemoveDevice("mock-0")
	devices, err := registry.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("列挙に失敗しました: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("切断されたデバイスが残っています: %v", devices)
	}

	_, err = registry.Resolve(context.Background(), "mock-0")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("ErrDeviceNotFoundが期待されましたが: %v", err)
	}
}

// TestRegistryEnumerationOrder は列挙順の保持をテストする
func TestRegistryEnumerationOrder(t *testing.T) {
	backend := NewMockBackend()
	second := DefaultMockDevice()
	second.ID = "mock-1"
	second.Name = "Mock Camera 1"
	backend.AddDevice(second)

	registry := NewRegistry(backend)
	if _, err := registry.Enumerate(context.Background()); err != nil {
		t.Fatalf("列挙に失敗しました: %v", err)
	}

	snapshot := registry.Devices()
	if len(snapshot) != 2 {
		t.Fatalf("デバイス数が一致しません: got %d, want 2", len(snapshot))
	}
	if snapshot[0].ID != "mock-0" || snapshot[1].ID != "mock-1" {
		t.Errorf("列挙順が保たれていません: %s, %s", snapshot[0].ID, snapshot[1].ID)
	}
}
