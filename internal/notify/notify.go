// Package notify 将控制循环事件转换为桌面通知
package notify

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/lct-cooler/watercooler-controller/internal/control"
	"github.com/lct-cooler/watercooler-controller/internal/device"
	"github.com/lct-cooler/watercooler-controller/internal/sensor"
	"github.com/lct-cooler/watercooler-controller/internal/types"
)

const appName = "水冷控制器"

// DefaultCooldown 同类通知的最小间隔
const DefaultCooldown = time.Minute

// Notifier 桌面通知
type Notifier struct {
	logger   types.Logger
	send     func(title, message string) error
	cooldown time.Duration
	now      func() time.Time

	mutex    sync.Mutex
	lastSent map[string]time.Time
	missing  map[types.TemperatureSource]bool
}

// New 创建通知器
func New(logger types.Logger) *Notifier {
	beeep.AppName = appName
	return &Notifier{
		logger:   logger,
		send:     func(title, message string) error { return beeep.Notify(title, message, "") },
		cooldown: DefaultCooldown,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
		missing:  make(map[types.TemperatureSource]bool),
	}
}

// Handle 处理控制循环事件，作为 Controller.Subscribe 的回调
func (n *Notifier) Handle(ev control.Event) {
	switch ev.Kind {
	case control.EventConnectionChanged:
		switch {
		case ev.State == types.StateConnected:
			name := ev.Device.Name
			if name == "" {
				name = ev.Device.Address
			}
			n.notify("connected", appName, fmt.Sprintf("已连接到 %s", name))
		case ev.State == types.StateDisconnected && device.IsLinkLost(ev.Err):
			n.notify("link_lost", appName, "设备连接丢失，自动重连失败")
		case ev.State == types.StateDisconnected && ev.Err != nil:
			n.notify("connect_failed", appName, fmt.Sprintf("连接设备失败: %v", ev.Err))
		}
	case control.EventCommandFailed:
		n.notify("command_failed", appName, fmt.Sprintf("命令 %s 下发失败", ev.Command))
	case control.EventSample:
		n.handleSample(ev)
	}
}

// handleSample 温度来源进入无数据状态时通知一次，恢复后才会再次通知
func (n *Notifier) handleSample(ev control.Event) {
	src := ev.Sample.Source
	missing := errors.Is(ev.Err, sensor.ErrNoSensorData)

	n.mutex.Lock()
	was := n.missing[src]
	n.missing[src] = missing
	n.mutex.Unlock()

	if missing && !was {
		n.notify("no_sensor_"+string(src), appName, fmt.Sprintf("无法读取 %s 温度", src))
	}
}

// notify 同一 key 在冷却时间内只发送一次
func (n *Notifier) notify(key, title, message string) {
	now := n.now()
	n.mutex.Lock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cooldown {
		n.mutex.Unlock()
		return
	}
	n.lastSent[key] = now
	send := n.send
	n.mutex.Unlock()

	go func() {
		if err := send(title, message); err != nil && n.logger != nil {
			n.logger.Debug("发送桌面通知失败: %v", err)
		}
	}()
}
