// Package control 控制循环：按间隔采样温度，计算目标并通过设备连接下发命令
package control

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/lct-cooler/watercooler-controller/internal/curve"
	"github.com/lct-cooler/watercooler-controller/internal/device"
	"github.com/lct-cooler/watercooler-controller/internal/protocol"
	"github.com/lct-cooler/watercooler-controller/internal/types"
)

const (
	MinInterval = 500 * time.Millisecond
	MaxInterval = 10 * time.Second
)

// ErrInvalidInterval 轮询间隔超出范围
var ErrInvalidInterval = fmt.Errorf("轮询间隔必须在 %v 到 %v 之间", MinInterval, MaxInterval)

// Link 控制循环使用的设备连接，由 *device.Manager 实现
type Link interface {
	State() types.ConnectionState
	Send(ctx context.Context, frame []byte) error
	Reconnect() bool
	Disconnect() error
	OnStateChange(fn func(device.StateChange)) func()
	SetFrameHandler(fn func([]byte))
}

// Feed 控制循环使用的温度来源，由 *sensor.Feed 实现
type Feed interface {
	PollSource(ctx context.Context, src types.TemperatureSource) (types.TemperatureSample, error)
	Latest(src types.TemperatureSource) (types.TemperatureSample, bool)
}

// Options 控制循环参数
type Options struct {
	Interval       time.Duration
	SafeFanPercent int  // 曲线为空或无温度数据时使用
	RampUpLimit    int  // 曲线模式每次最大升幅，0 不限
	RampDownLimit  int  // 曲线模式每次最大降幅，0 不限
	AutoReconnect  bool // LinkLost 后每次 tick 请求重连
}

// OptionsFromConfig 由应用配置生成控制参数
func OptionsFromConfig(cfg types.AppConfig) Options {
	return Options{
		Interval:       time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		SafeFanPercent: cfg.SafeFanPercent,
		RampUpLimit:    cfg.RampUpLimit,
		RampDownLimit:  cfg.RampDownLimit,
		AutoReconnect:  cfg.Device.AutoReconnect,
	}
}

// Status 当前控制状态快照
type Status struct {
	Mode       types.Mode
	Connection types.ConnectionState
	Degraded   bool
	FanTarget  int  // 最近一次成功下发的风扇功率
	HasApplied bool // 是否成功下发过
	SafeMode   bool // 当前处于安全转速
	CPU        types.TemperatureSample
	GPU        types.TemperatureSample
	Interval   time.Duration
	LastError  error
}

// Controller 控制循环
type Controller struct {
	link   Link
	feed   Feed
	logger types.Logger

	mutex       sync.Mutex
	mode        types.Mode
	curve       *curve.Curve
	manual      types.ManualTargets
	opts        Options
	degraded    bool
	safeMode    bool
	lastApplied int
	hasApplied  bool
	lastErr     error

	// 需要重新下发水泵与灯光时递增 syncRequested，完整同步成功后
	// syncApplied 记录本次 tick 开始时的请求号，两者不等即需要同步
	syncRequested uint64
	syncApplied   uint64

	tickMutex  sync.Mutex
	intervalCh chan time.Duration

	subMutex    sync.Mutex
	subscribers map[int]func(Event)
	nextSub     int

	unsubscribeLink func()
}

// New 创建控制循环，curvePoints 非法时返回错误
func New(link Link, feed Feed, logger types.Logger, mode types.Mode, curvePoints []types.CurvePoint, manual types.ManualTargets, opts Options) (*Controller, error) {
	fanCurve, err := curve.New(curvePoints)
	if err != nil {
		return nil, fmt.Errorf("加载风扇曲线失败: %w", err)
	}
	if err := validateManual(manual); err != nil {
		return nil, err
	}
	if mode != types.ModeCurve {
		mode = types.ModeManual
	}
	if opts.Interval < MinInterval || opts.Interval > MaxInterval {
		opts.Interval = 2 * time.Second
	}
	if opts.SafeFanPercent <= 0 || opts.SafeFanPercent > 100 {
		opts.SafeFanPercent = 100
	}

	c := &Controller{
		link:          link,
		feed:          feed,
		logger:        logger,
		mode:          mode,
		curve:         fanCurve,
		manual:        manual,
		opts:          opts,
		syncRequested: 1,
		intervalCh:    make(chan time.Duration, 1),
		subscribers:   make(map[int]func(Event)),
	}
	c.unsubscribeLink = link.OnStateChange(c.onLinkStateChange)
	link.SetFrameHandler(c.onFrame)
	return c, nil
}

// Run 按轮询间隔执行 tick，直到 ctx 结束
func (c *Controller) Run(ctx context.Context) {
	c.mutex.Lock()
	interval := c.opts.Interval
	c.mutex.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logInfo("控制循环启动，间隔 %v", interval)
	c.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logInfo("控制循环已停止")
			return
		case d := <-c.intervalCh:
			ticker.Reset(d)
			c.logInfo("轮询间隔已更新为 %v", d)
		case <-ticker.C:
			c.runTick(ctx)
		}
	}
}

func (c *Controller) runTick(ctx context.Context) {
	if err := c.Tick(ctx); err != nil && ctx.Err() == nil {
		c.logDebug("tick: %v", err)
	}
}

// Tick 执行一次控制循环，异常会被恢复并以错误返回
func (c *Controller) Tick(ctx context.Context) (err error) {
	c.tickMutex.Lock()
	defer c.tickMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			c.logError("控制循环异常: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("控制循环异常: %v", r)
		}
	}()

	cpu, cpuErr := c.poll(ctx, types.SourceCPU)
	c.poll(ctx, types.SourceGPU)

	c.mutex.Lock()
	target, safe := c.computeTargetLocked(cpu, cpuErr)
	c.safeMode = safe
	commands := []protocol.Command{protocol.SetFanPercent{Percent: target}}
	syncGen := c.syncRequested
	if syncGen != c.syncApplied {
		commands = append(commands,
			protocol.SetPumpVoltage{Voltage: c.manual.PumpVoltage},
			protocol.LightingCommand(c.manual.Lighting),
		)
	}
	c.mutex.Unlock()

	if err := c.sendAll(ctx, commands); err != nil {
		c.markFailure(err)
		c.maybeReconnect()
		return err
	}

	c.mutex.Lock()
	if c.degraded {
		c.logInfo("设备通信已恢复，风扇 %d%%", target)
	}
	c.degraded = false
	c.lastErr = nil
	c.lastApplied = target
	c.hasApplied = true
	// 发送期间新的同步请求保留到下一次 tick
	if len(commands) > 1 {
		c.syncApplied = syncGen
	}
	c.mutex.Unlock()
	return nil
}

func (c *Controller) poll(ctx context.Context, src types.TemperatureSource) (types.TemperatureSample, error) {
	sample, err := c.feed.PollSource(ctx, src)
	c.emit(Event{Kind: EventSample, Sample: sample, Err: err})
	return sample, err
}

// computeTargetLocked 计算本次风扇功率，第二个返回值表示使用了安全转速
func (c *Controller) computeTargetLocked(cpu types.TemperatureSample, cpuErr error) (int, bool) {
	if c.mode == types.ModeManual {
		return c.manual.FanPercent, false
	}

	if cpuErr != nil {
		if !c.safeMode {
			c.logWarn("无可用 CPU 温度，使用安全转速 %d%%: %v", c.opts.SafeFanPercent, cpuErr)
		}
		return c.opts.SafeFanPercent, true
	}

	target, err := c.curve.Evaluate(cpu.Celsius)
	if err != nil {
		if !c.safeMode {
			c.logWarn("风扇曲线不可用，使用安全转速 %d%%: %v", c.opts.SafeFanPercent, err)
		}
		return c.opts.SafeFanPercent, true
	}

	if c.hasApplied && !c.safeMode {
		target = curve.ApplyRampLimit(target, c.lastApplied, c.opts.RampUpLimit, c.opts.RampDownLimit)
	}
	return target, false
}

// sendAll 依次编码并发送，遇到第一个失败即停止
func (c *Controller) sendAll(ctx context.Context, commands []protocol.Command) error {
	for _, cmd := range commands {
		frame, err := protocol.Encode(cmd)
		if err != nil {
			c.logError("编码命令 %s 失败: %v", cmd, err)
			c.emit(Event{Kind: EventCommandFailed, Command: cmd, Err: err})
			return err
		}
		if err := c.link.Send(ctx, frame); err != nil {
			if !errors.Is(err, device.ErrNotConnected) {
				c.emit(Event{Kind: EventCommandFailed, Command: cmd, Err: err})
			}
			return fmt.Errorf("发送 %s: %w", cmd, err)
		}
		c.logDebug("已下发 %s", cmd)
	}
	return nil
}

// markFailure 保留上次成功下发的目标值，下次 tick 重试并完整同步
func (c *Controller) markFailure(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.degraded {
		c.logWarn("设备通信失败，保持上次目标值并在下次重试: %v", err)
	}
	c.degraded = true
	c.requestSyncLocked()
	// 未连接时保留连接层给出的原因
	if c.lastErr == nil || !errors.Is(err, device.ErrNotConnected) {
		c.lastErr = err
	}
}

func (c *Controller) requestSyncLocked() {
	c.syncRequested++
}

func (c *Controller) maybeReconnect() {
	c.mutex.Lock()
	auto := c.opts.AutoReconnect
	c.mutex.Unlock()
	if !auto || c.link.State() != types.StateDisconnected {
		return
	}
	if c.link.Reconnect() {
		c.logInfo("请求重新连接设备")
	}
}

func (c *Controller) onLinkStateChange(change device.StateChange) {
	if change.To == types.StateConnected {
		c.mutex.Lock()
		c.requestSyncLocked()
		c.mutex.Unlock()
	}
	if change.Err != nil && change.To == types.StateDisconnected {
		c.mutex.Lock()
		c.lastErr = change.Err
		c.mutex.Unlock()
	}
	c.emit(Event{Kind: EventConnectionChanged, State: change.To, Device: change.Device, Err: change.Err})
}

// onFrame 解析设备上报的帧，解析失败只记录日志
func (c *Controller) onFrame(frame []byte) {
	cmd, err := protocol.Decode(frame)
	if err != nil {
		c.logWarn("收到无法解析的设备帧 % x: %v", frame, err)
		return
	}
	c.logDebug("设备上报 %s", cmd)
}

// Shutdown 停止订阅，发送复位帧后断开连接
func (c *Controller) Shutdown(ctx context.Context) error {
	c.tickMutex.Lock()
	defer c.tickMutex.Unlock()

	if c.unsubscribeLink != nil {
		c.unsubscribeLink()
		c.unsubscribeLink = nil
	}

	var errs []error
	if c.link.State() == types.StateConnected {
		frame, err := protocol.Encode(protocol.Reset{})
		if err == nil {
			err = c.link.Send(ctx, frame)
		}
		if err != nil {
			c.logWarn("发送复位命令失败: %v", err)
			errs = append(errs, err)
		}
	}
	if err := c.link.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// 日志辅助方法
func (c *Controller) logInfo(format string, v ...any) {
	if c.logger != nil {
		c.logger.Info(format, v...)
	}
}

func (c *Controller) logWarn(format string, v ...any) {
	if c.logger != nil {
		c.logger.Warn(format, v...)
	}
}

func (c *Controller) logError(format string, v ...any) {
	if c.logger != nil {
		c.logger.Error(format, v...)
	}
}

func (c *Controller) logDebug(format string, v ...any) {
	if c.logger != nil {
		c.logger.Debug(format, v...)
	}
}
