package control

import (
	"github.com/lct-cooler/watercooler-controller/internal/protocol"
	"github.com/lct-cooler/watercooler-controller/internal/types"
)

// EventKind 事件类型
type EventKind int

const (
	EventConnectionChanged EventKind = iota
	EventSample
	EventCommandFailed
	EventModeChanged
	EventSettingsChanged
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionChanged:
		return "connection_changed"
	case EventSample:
		return "sample"
	case EventCommandFailed:
		return "command_failed"
	case EventModeChanged:
		return "mode_changed"
	case EventSettingsChanged:
		return "settings_changed"
	default:
		return "unknown"
	}
}

// Event 推送给界面层的通知，只有与 Kind 对应的字段有值
type Event struct {
	Kind    EventKind
	State   types.ConnectionState   // EventConnectionChanged
	Device  types.DeviceHandle      // EventConnectionChanged
	Sample  types.TemperatureSample // EventSample
	Command protocol.Command        // EventCommandFailed
	Mode    types.Mode              // EventModeChanged
	Err     error
}

// Subscribe 订阅事件，返回取消函数。回调在控制循环的协程中同步执行，不应阻塞
func (c *Controller) Subscribe(fn func(Event)) func() {
	c.subMutex.Lock()
	defer c.subMutex.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	return func() {
		c.subMutex.Lock()
		defer c.subMutex.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *Controller) emit(ev Event) {
	c.subMutex.Lock()
	subs := make([]func(Event), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.subMutex.Unlock()

	for _, fn := range subs {
		c.safeCall(fn, ev)
	}
}

func (c *Controller) safeCall(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logError("事件回调异常 (%s): %v", ev.Kind, r)
		}
	}()
	fn(ev)
}
