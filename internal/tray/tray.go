// Package tray 提供系统托盘状态显示
package tray

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"fyne.io/systray"
	"github.com/lct-cooler/watercooler-controller/internal/control"
	"github.com/lct-cooler/watercooler-controller/internal/types"
)

const refreshInterval = 3 * time.Second

// Callbacks 托盘动作回调
type Callbacks struct {
	OnToggleCurve func() bool // 返回切换后是否处于曲线模式
	OnConnect     func()
	OnDisconnect  func()
	OnQuit        func()
	GetStatus     func() control.Status
}

// Manager 系统托盘管理器
type Manager struct {
	logger      types.Logger
	initialized atomic.Bool
	ready       atomic.Bool
	mutex       sync.Mutex
	done        chan struct{} // 关闭此通道以通知所有 goroutine 退出
	uiQueue     chan func()
	iconData    []byte
	menuItems   *MenuItems
	callbacks   Callbacks

	// 防止托盘动作重入
	toggleInFlight  atomic.Bool
	connectInFlight atomic.Bool
	quitInFlight    atomic.Bool
}

// MenuItems 托盘菜单项
type MenuItems struct {
	DeviceStatus   *systray.MenuItem
	CPUTemperature *systray.MenuItem
	GPUTemperature *systray.MenuItem
	FanTarget      *systray.MenuItem
	CurveMode      *systray.MenuItem
	Connection     *systray.MenuItem
	Quit           *systray.MenuItem
}

// NewManager 创建托盘管理器，iconData 为空时使用内置图标
func NewManager(logger types.Logger, iconData []byte) *Manager {
	if len(iconData) == 0 {
		iconData = DefaultIcon()
	}
	return &Manager{
		logger:   logger,
		done:     make(chan struct{}),
		uiQueue:  make(chan func(), 64),
		iconData: iconData,
	}
}

// SetCallbacks 设置回调函数，需在 Init 之前调用
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.callbacks = cb
}

// Init 在独立线程中启动系统托盘
func (m *Manager) Init() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.initialized.CompareAndSwap(false, true) {
		m.logDebug("托盘已经初始化，跳过重复初始化")
		return
	}

	m.logInfo("正在初始化系统托盘")

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		defer func() {
			if r := recover(); r != nil {
				m.logError("托盘运行过程中发生panic: %v", r)
				m.initialized.Store(false)
				m.ready.Store(false)
			}
		}()

		systray.Run(m.onTrayReady, m.onTrayExit)
	}()
}

func (m *Manager) onTrayReady() {
	defer func() {
		if r := recover(); r != nil {
			m.logError("托盘回调函数中发生panic: %v", r)
			m.initialized.Store(false)
			m.ready.Store(false)
		}
	}()

	systray.SetIcon(m.iconData)
	systray.SetTitle("水冷控制器")
	systray.SetTooltip("水冷控制器 - 运行中")

	m.menuItems = m.createMenu()
	m.startUIWorker()
	m.ready.Store(true)
	m.logInfo("系统托盘初始化完成")

	go m.handleMenuEvents()
	go m.updateMenuStatus()
}

func (m *Manager) createMenu() *MenuItems {
	items := &MenuItems{}

	items.DeviceStatus = systray.AddMenuItem("设备: 未连接", "设备连接状态")
	items.DeviceStatus.Disable()
	items.CPUTemperature = systray.AddMenuItem("CPU温度: 无数据", "当前CPU温度")
	items.CPUTemperature.Disable()
	items.GPUTemperature = systray.AddMenuItem("GPU温度: 无数据", "当前GPU温度")
	items.GPUTemperature.Disable()
	items.FanTarget = systray.AddMenuItem("风扇: 无数据", "最近一次下发的风扇功率")
	items.FanTarget.Disable()

	systray.AddSeparator()

	curveMode := false
	if status, ok := m.status(); ok {
		curveMode = status.Mode == types.ModeCurve
	}
	items.CurveMode = systray.AddMenuItemCheckbox("曲线模式", "按CPU温度自动调节风扇", curveMode)
	items.Connection = systray.AddMenuItem("断开设备", "连接或断开控制器")

	systray.AddSeparator()
	items.Quit = systray.AddMenuItem("退出", "复位设备并退出")
	return items
}

func (m *Manager) handleMenuEvents() {
	defer func() {
		if r := recover(); r != nil {
			m.logError("处理托盘菜单事件时发生panic: %v", r)
		}
	}()

	cb := m.currentCallbacks()
	for {
		select {
		case <-m.menuItems.CurveMode.ClickedCh:
			if cb.OnToggleCurve == nil {
				continue
			}
			m.runTrayActionAsync("toggle-curve", &m.toggleInFlight, func() {
				curve := cb.OnToggleCurve()
				m.enqueueUI("toggle-curve-ui", func() {
					if curve {
						m.menuItems.CurveMode.Check()
					} else {
						m.menuItems.CurveMode.Uncheck()
					}
				})
			})
		case <-m.menuItems.Connection.ClickedCh:
			status, ok := m.status()
			if !ok {
				continue
			}
			action := cb.OnConnect
			if status.Connection != types.StateDisconnected {
				action = cb.OnDisconnect
			}
			m.runTrayActionAsync("connection", &m.connectInFlight, action)
		case <-m.menuItems.Quit.ClickedCh:
			m.logInfo("托盘菜单: 用户请求退出")
			m.runTrayActionAsync("quit", &m.quitInFlight, cb.OnQuit)
			return
		case <-m.done:
			return
		}
	}
}

// runTrayActionAsync 异步执行托盘动作，避免阻塞托盘消息处理
func (m *Manager) runTrayActionAsync(action string, inFlight *atomic.Bool, fn func()) {
	if fn == nil {
		return
	}
	if !inFlight.CompareAndSwap(false, true) {
		m.logDebug("托盘动作[%s]仍在执行，忽略重复触发", action)
		return
	}

	go func() {
		startedAt := time.Now()
		defer func() {
			inFlight.Store(false)
			if r := recover(); r != nil {
				m.logError("托盘动作[%s]发生panic: %v", action, r)
			}
			m.logDebug("托盘动作[%s]执行完成: %v", action, time.Since(startedAt))
		}()
		fn()
	}()
}

func (m *Manager) updateMenuStatus() {
	defer func() {
		if r := recover(); r != nil {
			m.logError("更新托盘菜单状态时发生panic: %v", r)
		}
	}()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !m.ready.Load() {
				continue
			}
			status, ok := m.status()
			if !ok {
				continue
			}
			view := buildView(status)
			m.enqueueUI("update-menu-status", func() {
				m.menuItems.DeviceStatus.SetTitle(view.Device)
				m.menuItems.CPUTemperature.SetTitle(view.CPU)
				m.menuItems.GPUTemperature.SetTitle(view.GPU)
				m.menuItems.FanTarget.SetTitle(view.Fan)
				m.menuItems.Connection.SetTitle(view.ConnectionAction)
				if view.CurveMode {
					m.menuItems.CurveMode.Check()
				} else {
					m.menuItems.CurveMode.Uncheck()
				}
				systray.SetTooltip(view.Tooltip)
			})
		case <-m.done:
			return
		}
	}
}

func (m *Manager) onTrayExit() {
	m.logDebug("托盘退出回调被触发")
	m.ready.Store(false)
	m.initialized.Store(false)
}

func (m *Manager) startUIWorker() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logError("托盘UI队列处理发生panic: %v", r)
			}
		}()

		for {
			select {
			case fn := <-m.uiQueue:
				fn()
			case <-m.done:
				return
			}
		}
	}()
}

func (m *Manager) enqueueUI(action string, fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				m.logError("托盘UI动作[%s]发生panic: %v", action, r)
			}
		}()
		fn()
	}

	select {
	case m.uiQueue <- wrapped:
		return true
	default:
		m.logError("托盘UI队列繁忙，丢弃动作: %s", action)
		return false
	}
}

func (m *Manager) currentCallbacks() Callbacks {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.callbacks
}

func (m *Manager) status() (control.Status, bool) {
	cb := m.currentCallbacks()
	if cb.GetStatus == nil {
		return control.Status{}, false
	}
	return cb.GetStatus(), true
}

// IsReady 托盘是否就绪
func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// Quit 退出托盘
func (m *Manager) Quit() {
	m.ready.Store(false)

	m.mutex.Lock()
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.mutex.Unlock()

	if !m.initialized.Load() {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logDebug("退出托盘时发生错误(可忽略): %v", r)
			}
		}()
		systray.Quit()
	}()
}

// view 菜单显示文本
type view struct {
	Device           string
	CPU              string
	GPU              string
	Fan              string
	ConnectionAction string
	Tooltip          string
	CurveMode        bool
}

func buildView(s control.Status) view {
	v := view{
		Device:           "设备: " + stateLabel(s.Connection),
		CPU:              "CPU温度: " + sampleLabel(s.CPU),
		GPU:              "GPU温度: " + sampleLabel(s.GPU),
		Fan:              "风扇: 无数据",
		ConnectionAction: "连接设备",
		CurveMode:        s.Mode == types.ModeCurve,
	}
	if s.HasApplied {
		v.Fan = fmt.Sprintf("风扇: %d%%", s.FanTarget)
		if s.SafeMode {
			v.Fan += " (安全转速)"
		}
	}
	if s.Connection != types.StateDisconnected {
		v.ConnectionAction = "断开设备"
	}

	mode := "手动模式"
	if v.CurveMode {
		mode = "曲线模式"
	}
	switch {
	case s.Connection != types.StateConnected:
		v.Tooltip = "水冷控制器 - " + stateLabel(s.Connection)
	case s.Degraded:
		v.Tooltip = fmt.Sprintf("水冷控制器 - %s (通信异常)\n%s", mode, v.CPU)
	default:
		v.Tooltip = fmt.Sprintf("水冷控制器 - %s\n%s\n%s", mode, v.CPU, v.Fan)
	}
	return v
}

func stateLabel(s types.ConnectionState) string {
	switch s {
	case types.StateConnected:
		return "已连接"
	case types.StateScanning:
		return "扫描中"
	case types.StateConnecting:
		return "连接中"
	case types.StateReconnecting:
		return "重连中"
	default:
		return "未连接"
	}
}

func sampleLabel(s types.TemperatureSample) string {
	if s.Timestamp.IsZero() || (!s.Valid && s.Celsius == 0) {
		return "无数据"
	}
	label := fmt.Sprintf("%.1f°C", s.Celsius)
	if !s.Valid {
		label += " (上次读数)"
	}
	return label
}

// 日志辅助方法
func (m *Manager) logInfo(format string, v ...any) {
	if m.logger != nil {
		m.logger.Info(format, v...)
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
