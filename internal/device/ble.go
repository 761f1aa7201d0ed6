package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lct-cooler/watercooler-controller/internal/types"
	"tinygo.org/x/bluetooth"
)

// Nordic UART 服务
var (
	uartServiceUUID = mustParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	uartTxUUID      = mustParseUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e") // 主机 -> 设备
	uartRxUUID      = mustParseUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e") // 设备 -> 主机 (notify)
)

func mustParseUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("无效的 UUID %q: %v", s, err))
	}
	return uuid
}

// BLETransport 基于系统蓝牙适配器的传输层
type BLETransport struct {
	adapter *bluetooth.Adapter
	logger  types.Logger

	enableOnce sync.Once
	enableErr  error

	// 适配器同一时间只做一件事：扫描或连接
	adapterSem chan struct{}

	mutex     sync.Mutex
	addresses map[string]bluetooth.Address
	lost      map[string]func()
}

// NewBLETransport 使用默认蓝牙适配器
func NewBLETransport(logger types.Logger) *BLETransport {
	return &BLETransport{
		adapter:    bluetooth.DefaultAdapter,
		logger:     logger,
		adapterSem: make(chan struct{}, 1),
		addresses:  make(map[string]bluetooth.Address),
		lost:       make(map[string]func()),
	}
}

// acquireAdapter 占用适配器，ctx 结束时放弃等待
func (t *BLETransport) acquireAdapter(ctx context.Context) error {
	select {
	case t.adapterSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待蓝牙适配器: %w", ctx.Err())
	}
}

func (t *BLETransport) releaseAdapter() {
	<-t.adapterSem
}

func (t *BLETransport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("启用蓝牙适配器失败: %w", err)
			return
		}
		t.adapter.SetConnectHandler(t.onConnectEvent)
	})
	return t.enableErr
}

func (t *BLETransport) onConnectEvent(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	key := strings.ToUpper(device.Address.String())
	t.mutex.Lock()
	fn := t.lost[key]
	delete(t.lost, key)
	t.mutex.Unlock()
	if fn != nil {
		fn()
	}
}

// Scan 扫描直到 ctx 结束
func (t *BLETransport) Scan(ctx context.Context, found func(types.DeviceHandle)) error {
	if err := t.enable(); err != nil {
		return err
	}
	// 等待期间扫描窗口已结束，视为没有结果
	if t.acquireAdapter(ctx) != nil {
		return nil
	}
	defer t.releaseAdapter()
	return t.scanLocked(ctx, func(result bluetooth.ScanResult) bool {
		found(types.DeviceHandle{
			Address: strings.ToUpper(result.Address.String()),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		})
		return true
	})
}

// scanLocked 阻塞扫描，onResult 返回 false 或 ctx 结束时停止
func (t *BLETransport) scanLocked(ctx context.Context, onResult func(bluetooth.ScanResult) bool) error {
	stopped := make(chan struct{})
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			close(stopped)
			if err := t.adapter.StopScan(); err != nil {
				t.logDebug("停止扫描失败: %v", err)
			}
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-stopped:
		}
	}()

	err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		t.mutex.Lock()
		t.addresses[strings.ToUpper(result.Address.String())] = result.Address
		t.mutex.Unlock()
		if !onResult(result) {
			go stop()
		}
	})
	stopOnce.Do(func() { close(stopped) })
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("扫描失败: %w", err)
	}
	return nil
}

// Open 连接设备并订阅状态帧
func (t *BLETransport) Open(ctx context.Context, address string, cb Callbacks) (Conn, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}
	if err := t.acquireAdapter(ctx); err != nil {
		return nil, err
	}
	defer t.releaseAdapter()

	key := strings.ToUpper(address)
	addr, err := t.resolveLocked(ctx, key)
	if err != nil {
		return nil, err
	}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	type result struct {
		device bluetooth.Device
		err    error
	}
	done := make(chan result, 1)
	go func() {
		device, err := t.adapter.Connect(addr, params)
		done <- result{device, err}
	}()

	var device bluetooth.Device
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("连接失败: %w", r.err)
		}
		device = r.device
	}

	tx, rx, err := discoverUART(device)
	if err != nil {
		_ = device.Disconnect()
		return nil, err
	}

	if cb.OnFrame != nil {
		if err := rx.EnableNotifications(cb.OnFrame); err != nil {
			_ = device.Disconnect()
			return nil, fmt.Errorf("订阅通知失败: %w", err)
		}
	}

	conn := &bleConn{device: device, tx: tx, transport: t, key: key}
	if cb.OnLinkLost != nil {
		t.mutex.Lock()
		t.lost[key] = cb.OnLinkLost
		t.mutex.Unlock()
	}
	return conn, nil
}

// resolveLocked 地址未缓存时定向扫描直到发现或 ctx 结束
func (t *BLETransport) resolveLocked(ctx context.Context, key string) (bluetooth.Address, error) {
	t.mutex.Lock()
	addr, ok := t.addresses[key]
	t.mutex.Unlock()
	if ok {
		return addr, nil
	}

	t.logDebug("地址 %s 未缓存，开始定向扫描", key)
	var hit bool
	if err := t.scanLocked(ctx, func(result bluetooth.ScanResult) bool {
		if strings.ToUpper(result.Address.String()) == key {
			addr, hit = result.Address, true
			return false
		}
		return true
	}); err != nil {
		return addr, err
	}
	if !hit {
		if errors.Is(ctx.Err(), context.Canceled) {
			return addr, ctx.Err()
		}
		return addr, ErrDeviceNotFound
	}
	return addr, nil
}

func discoverUART(device bluetooth.Device) (tx, rx bluetooth.DeviceCharacteristic, err error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{uartServiceUUID})
	if err != nil {
		return tx, rx, fmt.Errorf("发现服务失败: %w", err)
	}
	if len(services) == 0 {
		return tx, rx, errors.New("设备不提供 UART 服务")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{uartTxUUID, uartRxUUID})
	if err != nil {
		return tx, rx, fmt.Errorf("发现特征失败: %w", err)
	}
	var haveTx, haveRx bool
	for _, c := range chars {
		switch c.UUID() {
		case uartTxUUID:
			tx, haveTx = c, true
		case uartRxUUID:
			rx, haveRx = c, true
		}
	}
	if !haveTx || !haveRx {
		return tx, rx, errors.New("UART 特征不完整")
	}
	return tx, rx, nil
}

type bleConn struct {
	device    bluetooth.Device
	tx        bluetooth.DeviceCharacteristic
	transport *BLETransport
	key       string
}

// Write 无应答写入，ctx 超时后返回但底层调用可能仍在进行
func (c *bleConn) Write(ctx context.Context, frame []byte) error {
	done := make(chan error, 1)
	go func() {
		_, err := c.tx.WriteWithoutResponse(frame)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (c *bleConn) Close() error {
	c.transport.mutex.Lock()
	delete(c.transport.lost, c.key)
	c.transport.mutex.Unlock()
	return c.device.Disconnect()
}

func (t *BLETransport) logDebug(format string, v ...any) {
	if t.logger != nil {
		t.logger.Debug(format, v...)
	}
}
