package capture

import (
	"context"
	"fmt"
	"sync"
)

// Registry はデバイス記述のスナップショットを管理する
// 列挙は特定時点のスナップショットであり、ライブ更新は保証しない
// 再列挙のたびに古い記述は破棄される
type Registry struct {
	backend Backend

	mu      sync.RWMutex
	devices map[string]DeviceDescriptor
	order   []string // 列挙順を保持
}

// NewRegistry は新しいRegistryを作成する
func NewRegistry(backend Backend) *Registry {
	return &Registry{
		backend: backend,
		devices: make(map[string]DeviceDescriptor),
	}
}

// Enumerate はバックエンドに問い合わせてデバイス一覧を更新し、
// スナップショットを返す。ハードウェアのプローブを伴うことがあるため、
// 呼び出し側は瞬時ではなくブロッキングI/Oとして扱うこと
func (r *Registry) Enumerate(ctx context.Context) ([]DeviceDescriptor, error) {
	descriptors, err := r.backend.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnumeration, err)
	}

	r.mu.Lock()
	r.devices = make(map[string]DeviceDescriptor, len(descriptors))
	r.order = make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		r.devices[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	r.mu.Unlock()

	return descriptors, nil
}

// Resolve は識別子からデバイス記述を解決する
// まだ一度も列挙されていない場合は先に列挙を実行する
func (r *Registry) Resolve(ctx context.Context, deviceID string) (DeviceDescriptor, error) {
	r.mu.RLock()
	desc, exists := r.devices[deviceID]
	empty := len(r.order) == 0
	r.mu.RUnlock()

	if exists {
		return desc, nil
	}

	// 初回アクセスまたはスナップショット更新後の問い合わせ
	if empty {
		if _, err := r.Enumerate(ctx); err != nil {
			return DeviceDescriptor{}, err
		}

		r.mu.RLock()
		desc, exists = r.devices[deviceID]
		r.mu.RUnlock()

		if exists {
			return desc, nil
		}
	}

	return DeviceDescriptor{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}

// Devices は現在のスナップショットを列挙順で返す（再問い合わせしない）
func (r *Registry) Devices() []DeviceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]DeviceDescriptor, 0, len(r.order))
	for _, id := range r.order {
		descriptors = append(descriptors, r.devices[id])
	}
	return descriptors
}
