package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"areacam/internal/sdk"
)

// DefaultScanInterval はデバイス一覧を更新する既定の間隔
const DefaultScanInterval = 30 * time.Second

// KnownDevice は監視中に見つかったデバイス
type KnownDevice struct {
	DeviceDescriptor
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// DeviceMonitor はデバイス一覧を定期的に列挙してキャッシュする
type DeviceMonitor struct {
	driver sdk.Driver
	log    *slog.Logger

	mu       sync.RWMutex
	devices  map[string]*KnownDevice // シリアル番号 → デバイス
	lastScan time.Time
	lastErr  error

	scanInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
}

// NewDeviceMonitor は新しい DeviceMonitor を作成する
func NewDeviceMonitor(driver sdk.Driver, interval time.Duration, log *slog.Logger) *DeviceMonitor {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &DeviceMonitor{
		driver:       driver,
		log:          log.With("component", "device-monitor"),
		devices:      make(map[string]*KnownDevice),
		scanInterval: interval,
		stopCh:       make(chan struct{}),
	}
}

// Start は初回の列挙を行い、バックグラウンドでの定期スキャンを開始する
func (m *DeviceMonitor) Start(ctx context.Context) error {
	if _, _, err := m.Refresh(ctx); err != nil {
		return fmt.Errorf("初期スキャンに失敗: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.wg.Add(1)
	go m.backgroundScan(ctx, m.stopCh)
	return nil
}

// Stop は定期スキャンを停止する
func (m *DeviceMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.stopCh = make(chan struct{})
	m.mu.Unlock()
}

// Devices はキャッシュしているデバイス一覧をインデックス順に返す
func (m *DeviceMonitor) Devices() []KnownDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]KnownDevice, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, *d)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Index < devices[j].Index
	})
	return devices
}

// LastScan は最後にスキャンした時刻とそのエラーを返す
func (m *DeviceMonitor) LastScan() (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastScan, m.lastErr
}

// Refresh はデバイスを列挙し直し、一覧を更新する
// 新しく見つかったデバイスと消えたデバイスのシリアル番号を返す
func (m *DeviceMonitor) Refresh(ctx context.Context) (added, removed []string, err error) {
	infos, err := m.driver.Enumerate(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastScan = time.Now()
	m.lastErr = err
	if err != nil {
		return nil, nil, stageErr(StageEnumerate, ErrEnumerationFailed, err)
	}

	now := m.lastScan
	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		key := deviceKey(info)
		seen[key] = true
		if d, ok := m.devices[key]; ok {
			d.DeviceDescriptor = descriptorOf(info)
			d.LastSeen = now
			continue
		}
		m.devices[key] = &KnownDevice{DeviceDescriptor: descriptorOf(info), FirstSeen: now, LastSeen: now}
		added = append(added, key)
	}
	for key := range m.devices {
		if !seen[key] {
			delete(m.devices, key)
			removed = append(removed, key)
		}
	}

	if len(added) > 0 || len(removed) > 0 {
		m.log.Info("デバイス一覧が変わりました", "added", added, "removed", removed, "total", len(m.devices))
	}
	return added, removed, nil
}

func deviceKey(info sdk.DeviceInfo) string {
	if info.SerialNumber != "" {
		return info.SerialNumber
	}
	return fmt.Sprintf("%s#%d", info.Name, info.Index)
}

// backgroundScan は定期的なデバイススキャンを実行する
func (m *DeviceMonitor) backgroundScan(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := m.Refresh(ctx); err != nil {
				m.log.Warn("デバイスのスキャンに失敗しました", "error", err)
			}
		}
	}
}
