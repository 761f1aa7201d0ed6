// Package device 管理与水冷控制器的 BLE 连接
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lct-cooler/watercooler-controller/internal/types"
)

// Options 连接策略
type Options struct {
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	ReconnectAttempts int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	NameFilters       []string // 为空时不过滤
}

// DefaultOptions 默认连接策略
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    5 * time.Second,
		WriteTimeout:      2 * time.Second,
		ReconnectAttempts: 3,
		BaseBackoff:       time.Second,
		MaxBackoff:        8 * time.Second,
		NameFilters:       append([]string(nil), types.SupportedModels...),
	}
}

// OptionsFromConfig 由设备配置生成连接策略
func OptionsFromConfig(cfg types.DeviceConfig) Options {
	opts := DefaultOptions()
	if cfg.ConnectTimeoutSec > 0 {
		opts.ConnectTimeout = time.Duration(cfg.ConnectTimeoutSec) * time.Second
	}
	if cfg.WriteTimeoutMs > 0 {
		opts.WriteTimeout = time.Duration(cfg.WriteTimeoutMs) * time.Millisecond
	}
	// 0 表示断连后不自动重连
	if cfg.ReconnectAttempts >= 0 {
		opts.ReconnectAttempts = cfg.ReconnectAttempts
	}
	if cfg.MaxBackoffSec > 0 {
		opts.MaxBackoff = time.Duration(cfg.MaxBackoffSec) * time.Second
	}
	opts.NameFilters = append([]string(nil), cfg.NameFilters...)
	return opts
}

// StateChange 连接状态变化
type StateChange struct {
	From   types.ConnectionState
	To     types.ConnectionState
	Device types.DeviceHandle
	Err    error
}

// Manager 设备连接管理器，ConnectionState 只能通过其方法修改
type Manager struct {
	transport Transport
	logger    types.Logger
	opts      Options

	mutex      sync.Mutex
	state      types.ConnectionState
	device     types.DeviceHandle
	remembered bool // 记住设备以便 LinkLost 后再次重连
	conn       Conn
	liveGen    uint64
	nextGen    uint64
	epoch      uint64 // Connect/Disconnect 时递增，使过期的后台任务失效
	lastErr    error

	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}

	// 发送路径串行化，与状态锁分离，读取状态不会等待 I/O
	sendMutex sync.Mutex

	listenerMutex sync.Mutex
	listeners     map[int]func(StateChange)
	nextListener  int
	frameHandler  func([]byte)
}

// NewManager 创建设备管理器
func NewManager(transport Transport, logger types.Logger, opts Options) *Manager {
	defaults := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.ReconnectAttempts < 0 {
		opts.ReconnectAttempts = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaults.BaseBackoff
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}

	return &Manager{
		transport: transport,
		logger:    logger,
		opts:      opts,
		state:     types.StateDisconnected,
		listeners: make(map[int]func(StateChange)),
	}
}

// State 当前连接状态
func (m *Manager) State() types.ConnectionState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// Device 当前(或最近)连接的设备
func (m *Manager) Device() (types.DeviceHandle, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.device, m.remembered
}

// LastError 最近一次连接失败原因
func (m *Manager) LastError() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.lastErr
}

// OnStateChange 注册状态监听，返回取消函数
func (m *Manager) OnStateChange(fn func(StateChange)) func() {
	m.listenerMutex.Lock()
	defer m.listenerMutex.Unlock()

	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	return func() {
		m.listenerMutex.Lock()
		defer m.listenerMutex.Unlock()
		delete(m.listeners, id)
	}
}

// SetFrameHandler 设置设备状态帧回调
func (m *Manager) SetFrameHandler(fn func([]byte)) {
	m.listenerMutex.Lock()
	defer m.listenerMutex.Unlock()
	m.frameHandler = fn
}

// Connect 连接设备: Disconnected/Scanning -> Connecting -> Connected
func (m *Manager) Connect(ctx context.Context, handle types.DeviceHandle) error {
	m.mutex.Lock()
	if m.state == types.StateConnected && m.device.Address == handle.Address {
		m.mutex.Unlock()
		return nil
	}

	m.stopReconnectLocked()
	oldConn := m.conn
	m.conn = nil
	m.liveGen = 0
	m.epoch++
	epoch := m.epoch
	m.device = handle
	m.remembered = true
	gen := m.allocGenLocked()
	notify := m.transitionLocked(types.StateConnecting, nil)
	m.mutex.Unlock()

	if oldConn != nil {
		m.closeConn(oldConn)
	}
	notify()
	m.logInfo("正在连接 %s [%s]", handle.Name, handle.Address)

	conn, err := m.open(ctx, handle.Address, gen)

	m.mutex.Lock()
	if epoch != m.epoch {
		m.mutex.Unlock()
		if conn != nil {
			m.closeConn(conn)
		}
		return &ConnectionError{Kind: LinkLost, Address: handle.Address, Err: errors.New("连接被取消")}
	}
	if err != nil {
		cerr := classifyOpenError(handle.Address, err)
		m.lastErr = cerr
		notify = m.transitionLocked(types.StateDisconnected, cerr)
		m.mutex.Unlock()
		notify()
		m.logError("连接设备失败: %v", cerr)
		return cerr
	}

	m.conn = conn
	m.liveGen = gen
	m.lastErr = nil
	notify = m.transitionLocked(types.StateConnected, nil)
	m.mutex.Unlock()
	notify()
	m.logInfo("已连接到 %s [%s]", handle.Name, handle.Address)
	return nil
}

// Send 发送一帧。未连接时返回 ErrNotConnected；写入失败返回 TransportError 并进入重连
func (m *Manager) Send(ctx context.Context, frame []byte) error {
	m.sendMutex.Lock()
	defer m.sendMutex.Unlock()

	m.mutex.Lock()
	if m.state != types.StateConnected || m.conn == nil {
		m.mutex.Unlock()
		return ErrNotConnected
	}
	conn, gen := m.conn, m.liveGen
	m.mutex.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	err := conn.Write(writeCtx, frame)
	cancel()
	if err == nil {
		m.logDebug("发送帧: % x", frame)
		return nil
	}

	// 调用方主动取消不算链路故障
	if ctx.Err() != nil {
		return &TransportError{Err: ctx.Err()}
	}

	m.logError("写入失败，开始重连: %v", err)
	m.handleLinkFailure(gen, err)
	return &TransportError{Err: err}
}

// Reconnect 在 LinkLost 之后对记住的设备重新发起一轮重连，已在重连或无设备时返回 false
func (m *Manager) Reconnect() bool {
	m.mutex.Lock()
	if m.state != types.StateDisconnected || !m.remembered || m.reconnectCancel != nil {
		m.mutex.Unlock()
		return false
	}
	notify := m.transitionLocked(types.StateReconnecting, nil)
	m.startReconnectLocked()
	m.mutex.Unlock()
	notify()
	return true
}

// Disconnect 断开连接，可重复调用，总是回到 Disconnected
func (m *Manager) Disconnect() error {
	m.mutex.Lock()
	m.stopReconnectLocked()
	m.epoch++
	conn := m.conn
	m.conn = nil
	m.liveGen = 0
	m.remembered = false
	notify := func() {}
	if m.state != types.StateDisconnected {
		notify = m.transitionLocked(types.StateDisconnected, nil)
	}
	m.mutex.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
		m.logInfo("已断开设备连接")
	}
	notify()
	return err
}

func (m *Manager) open(ctx context.Context, address string, gen uint64) (Conn, error) {
	openCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	return m.transport.Open(openCtx, address, Callbacks{
		OnFrame:    m.dispatchFrame,
		OnLinkLost: func() { m.handleLinkFailure(gen, errors.New("协议栈报告断连")) },
	})
}

// handleLinkFailure 当前连接失效时进入 Reconnecting，过期连接的回调被忽略
func (m *Manager) handleLinkFailure(gen uint64, cause error) {
	m.mutex.Lock()
	if gen == 0 || gen != m.liveGen || m.state != types.StateConnected {
		m.mutex.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.liveGen = 0
	m.lastErr = cause
	notify := m.transitionLocked(types.StateReconnecting, cause)
	m.startReconnectLocked()
	m.mutex.Unlock()

	if conn != nil {
		go m.closeConn(conn)
	}
	notify()
}

func (m *Manager) startReconnectLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.reconnectCancel = cancel
	m.reconnectDone = done
	go m.reconnectLoop(ctx, m.epoch, m.device, done)
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
		m.reconnectDone = nil
	}
}

// reconnectLoop 指数退避重连，耗尽后以 LinkLost 回到 Disconnected，不重放任何命令
func (m *Manager) reconnectLoop(ctx context.Context, epoch uint64, handle types.DeviceHandle, done chan struct{}) {
	defer close(done)

	var lastErr error
	for attempt := 0; attempt < m.opts.ReconnectAttempts; attempt++ {
		delay := m.backoff(attempt)
		m.logInfo("%v 后第 %d/%d 次重连 %s", delay, attempt+1, m.opts.ReconnectAttempts, handle.Address)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.mutex.Lock()
		gen := m.allocGenLocked()
		m.mutex.Unlock()

		conn, err := m.open(ctx, handle.Address, gen)

		m.mutex.Lock()
		if ctx.Err() != nil || epoch != m.epoch {
			m.mutex.Unlock()
			if conn != nil {
				m.closeConn(conn)
			}
			return
		}
		if err == nil {
			m.conn = conn
			m.liveGen = gen
			m.lastErr = nil
			m.clearReconnectLocked(done)
			notify := m.transitionLocked(types.StateConnected, nil)
			m.mutex.Unlock()
			notify()
			m.logInfo("重连成功 %s", handle.Address)
			return
		}
		m.mutex.Unlock()

		lastErr = err
		m.logWarn("第 %d 次重连失败: %v", attempt+1, err)
	}

	m.mutex.Lock()
	if ctx.Err() != nil || epoch != m.epoch {
		m.mutex.Unlock()
		return
	}
	cerr := &ConnectionError{Kind: LinkLost, Address: handle.Address, Err: lastErr}
	m.lastErr = cerr
	m.clearReconnectLocked(done)
	notify := m.transitionLocked(types.StateDisconnected, cerr)
	m.mutex.Unlock()
	notify()
	m.logError("重连次数耗尽: %v", cerr)
}

func (m *Manager) clearReconnectLocked(done chan struct{}) {
	if m.reconnectDone == done {
		m.reconnectCancel = nil
		m.reconnectDone = nil
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.opts.BaseBackoff
	for range attempt {
		delay *= 2
		if delay >= m.opts.MaxBackoff {
			return m.opts.MaxBackoff
		}
	}
	return min(delay, m.opts.MaxBackoff)
}

func (m *Manager) allocGenLocked() uint64 {
	m.nextGen++
	return m.nextGen
}

// transitionLocked 修改状态并返回在解锁后调用的通知函数
func (m *Manager) transitionLocked(to types.ConnectionState, err error) func() {
	from := m.state
	if from == to && err == nil {
		return func() {}
	}
	m.state = to
	change := StateChange{From: from, To: to, Device: m.device, Err: err}
	m.logDebug("连接状态 %s -> %s", from, to)

	return func() {
		m.listenerMutex.Lock()
		listeners := make([]func(StateChange), 0, len(m.listeners))
		for _, fn := range m.listeners {
			listeners = append(listeners, fn)
		}
		m.listenerMutex.Unlock()

		for _, fn := range listeners {
			fn(change)
		}
	}
}

func (m *Manager) dispatchFrame(frame []byte) {
	m.listenerMutex.Lock()
	handler := m.frameHandler
	m.listenerMutex.Unlock()
	if handler != nil {
		handler(append([]byte(nil), frame...))
	}
}

func (m *Manager) closeConn(conn Conn) {
	if err := conn.Close(); err != nil {
		m.logDebug("关闭连接出错(可忽略): %v", err)
	}
}

func classifyOpenError(address string, err error) *ConnectionError {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr
	}
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return &ConnectionError{Kind: NotFound, Address: address, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &ConnectionError{Kind: Timeout, Address: address, Err: err}
	default:
		return &ConnectionError{Kind: LinkLost, Address: address, Err: fmt.Errorf("打开连接失败: %w", err)}
	}
}

// 日志辅助方法
func (m *Manager) logInfo(format string, v ...any) {
	if m.logger != nil {
		m.logger.Info(format, v...)
	}
}

func (m *Manager) logWarn(format string, v ...any) {
	if m.logger != nil {
		m.logger.Warn(format, v...)
	}
}

func (m *Manager) logError(format string, v ...any) {
	if m.logger != nil {
		m.logger.Error(format, v...)
	}
}

func (m *Manager) logDebug(format string, v ...any) {
	if m.logger != nil {
		m.logger.Debug(format, v...)
	}
}
