package device

import (
	"context"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/lct-cooler/watercooler-controller/internal/types"
)

// Scan 返回惰性的扫描序列。每次遍历都会重新扫描，同一地址只产出一次，
// 遍历提前结束时立即停止扫描。仅在 Disconnected 时切换到 Scanning
func (m *Manager) Scan(ctx context.Context, timeout time.Duration) iter.Seq2[types.DeviceHandle, error] {
	return func(yield func(types.DeviceHandle, error) bool) {
		if m.beginScan() {
			defer m.endScan()
		}

		scanCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			scanCtx, cancel = context.WithTimeout(ctx, timeout)
		} else {
			scanCtx, cancel = context.WithCancel(ctx)
		}
		defer cancel()

		results := make(chan types.DeviceHandle, 16)
		var scanErr error
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(results)
			scanErr = m.transport.Scan(scanCtx, func(handle types.DeviceHandle) {
				select {
				case results <- handle:
				case <-scanCtx.Done():
				}
			})
		}()

		// 提前退出时先取消扫描，再排空通道让扫描协程退出
		defer func() {
			cancel()
			for range results {
			}
			wg.Wait()
		}()

		seen := make(map[string]struct{})
		for handle := range results {
			if _, dup := seen[handle.Address]; dup {
				continue
			}
			if !matchesFilters(handle.Name, m.opts.NameFilters) {
				continue
			}
			seen[handle.Address] = struct{}{}
			m.logDebug("发现设备 %s [%s] RSSI=%d", handle.Name, handle.Address, handle.RSSI)
			if !yield(handle, nil) {
				return
			}
		}

		wg.Wait()
		if scanErr != nil && ctx.Err() == nil && scanCtx.Err() == nil {
			yield(types.DeviceHandle{}, scanErr)
		} else if ctx.Err() != nil {
			yield(types.DeviceHandle{}, ctx.Err())
		}
	}
}

// FindFirst 扫描并返回第一个匹配的设备
func (m *Manager) FindFirst(ctx context.Context, timeout time.Duration) (types.DeviceHandle, error) {
	for handle, err := range m.Scan(ctx, timeout) {
		if err != nil {
			return types.DeviceHandle{}, err
		}
		return handle, nil
	}
	return types.DeviceHandle{}, &ConnectionError{Kind: NotFound, Err: ErrDeviceNotFound}
}

// beginScan 从 Disconnected 进入 Scanning，返回是否切换了状态
func (m *Manager) beginScan() bool {
	m.mutex.Lock()
	if m.state != types.StateDisconnected {
		m.mutex.Unlock()
		return false
	}
	notify := m.transitionLocked(types.StateScanning, nil)
	m.mutex.Unlock()
	notify()
	return true
}

// endScan 扫描期间未发起连接时回到 Disconnected
func (m *Manager) endScan() {
	m.mutex.Lock()
	if m.state != types.StateScanning {
		m.mutex.Unlock()
		return
	}
	notify := m.transitionLocked(types.StateDisconnected, nil)
	m.mutex.Unlock()
	notify()
}

func matchesFilters(name string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, f := range filters {
		if f != "" && strings.Contains(lower, strings.ToLower(f)) {
			return true
		}
	}
	return false
}
