package control

import (
	"fmt"
	"time"

	"github.com/lct-cooler/watercooler-controller/internal/curve"
	"github.com/lct-cooler/watercooler-controller/internal/protocol"
	"github.com/lct-cooler/watercooler-controller/internal/types"
)

// SetMode 切换控制模式，下一次 tick 生效并重新下发全部设定值
func (c *Controller) SetMode(mode types.Mode) error {
	if mode != types.ModeManual && mode != types.ModeCurve {
		return fmt.Errorf("未知的控制模式 %q", mode)
	}

	c.mutex.Lock()
	if c.mode == mode {
		c.mutex.Unlock()
		return nil
	}
	c.mode = mode
	c.requestSyncLocked()
	c.safeMode = false
	c.mutex.Unlock()

	c.logInfo("控制模式切换为 %s", mode)
	c.emit(Event{Kind: EventModeChanged, Mode: mode})
	c.emit(Event{Kind: EventSettingsChanged})
	return nil
}

// Mode 当前控制模式
func (c *Controller) Mode() types.Mode {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.mode
}

// SetManualTargets 更新手动设定值，最后一次调用生效。
// 水泵与灯光在两种模式下都会下发，风扇功率只在手动模式下使用
func (c *Controller) SetManualTargets(targets types.ManualTargets) error {
	if err := validateManual(targets); err != nil {
		return err
	}

	c.mutex.Lock()
	c.manual = targets
	c.requestSyncLocked()
	c.mutex.Unlock()

	c.logInfo("手动设定: 风扇 %d%%, 水泵 %dV, 灯光 %s", targets.FanPercent, targets.PumpVoltage, targets.Lighting.Mode)
	c.emit(Event{Kind: EventSettingsChanged})
	return nil
}

// ManualTargets 当前手动设定值
func (c *Controller) ManualTargets() types.ManualTargets {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.manual
}

// EditCurve 修改风扇曲线，校验失败时曲线保持不变并返回错误
func (c *Controller) EditCurve(m curve.Mutation) error {
	c.mutex.Lock()
	err := m.Apply(c.curve)
	c.mutex.Unlock()
	if err != nil {
		c.logWarn("拒绝曲线修改: %v", err)
		return err
	}

	c.emit(Event{Kind: EventSettingsChanged})
	return nil
}

// CurvePoints 当前风扇曲线
func (c *Controller) CurvePoints() []types.CurvePoint {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.curve.Points()
}

// SetInterval 修改轮询间隔
func (c *Controller) SetInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval {
		return ErrInvalidInterval
	}

	c.mutex.Lock()
	if c.opts.Interval == d {
		c.mutex.Unlock()
		return nil
	}
	c.opts.Interval = d
	// 持锁替换通道中的旧值，只保留最新的间隔，不会阻塞
	select {
	case <-c.intervalCh:
	default:
	}
	select {
	case c.intervalCh <- d:
	default:
	}
	c.mutex.Unlock()

	c.emit(Event{Kind: EventSettingsChanged})
	return nil
}

// LatestSample 最近一次温度样本，即使来源当前读取失败也返回上次的值
func (c *Controller) LatestSample(src types.TemperatureSource) (types.TemperatureSample, bool) {
	return c.feed.Latest(src)
}

// ConnectionState 设备连接状态
func (c *Controller) ConnectionState() types.ConnectionState {
	return c.link.State()
}

// Status 当前状态快照
func (c *Controller) Status() Status {
	cpu, _ := c.feed.Latest(types.SourceCPU)
	gpu, _ := c.feed.Latest(types.SourceGPU)
	state := c.link.State()

	c.mutex.Lock()
	defer c.mutex.Unlock()
	return Status{
		Mode:       c.mode,
		Connection: state,
		Degraded:   c.degraded,
		FanTarget:  c.lastApplied,
		HasApplied: c.hasApplied,
		SafeMode:   c.safeMode,
		CPU:        cpu,
		GPU:        gpu,
		Interval:   c.opts.Interval,
		LastError:  c.lastErr,
	}
}

// ApplyTo 将当前可持久化的设定写回配置
func (c *Controller) ApplyTo(cfg *types.AppConfig) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	cfg.Mode = c.mode
	cfg.FanCurve = c.curve.Points()
	cfg.Manual = c.manual
	cfg.PollIntervalMs = int(c.opts.Interval / time.Millisecond)
}

func validateManual(targets types.ManualTargets) error {
	if _, err := protocol.Encode(protocol.SetFanPercent{Percent: targets.FanPercent}); err != nil {
		return err
	}
	if _, err := protocol.Encode(protocol.SetPumpVoltage{Voltage: targets.PumpVoltage}); err != nil {
		return err
	}
	if _, err := protocol.Encode(protocol.LightingCommand(targets.Lighting)); err != nil {
		return err
	}
	return nil
}
