// Package sensor 按固定间隔读取 CPU/GPU 温度，读取失败时沿用上一次有效值
package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/asecurityteam/rolling"
	"github.com/lct-cooler/watercooler-controller/internal/types"
)

var (
	// ErrNoSensorData 从未获得有效温度，或有效温度已过期
	ErrNoSensorData = errors.New("没有可用的温度数据")
	// ErrImplausibleReading 读数超出物理合理范围
	ErrImplausibleReading = errors.New("温度读数异常")
)

const (
	minPlausibleC = -40.0
	maxPlausibleC = 150.0
)

// Backend 外部温度来源
type Backend interface {
	ReadTemperature(ctx context.Context, source types.TemperatureSource) (float64, error)
}

// BackendFunc 将函数适配为 Backend
type BackendFunc func(ctx context.Context, source types.TemperatureSource) (float64, error)

func (f BackendFunc) ReadTemperature(ctx context.Context, source types.TemperatureSource) (float64, error) {
	return f(ctx, source)
}

// Options 采样配置
type Options struct {
	Sources     []types.TemperatureSource
	ReadTimeout time.Duration // 单次读取超时
	StaleAfter  time.Duration // 有效值过期时间，0 表示不过期
	SampleCount int           // 滑动平均窗口
	Now         func() time.Time
}

// DefaultOptions 默认采样配置
func DefaultOptions() Options {
	return Options{
		Sources:     []types.TemperatureSource{types.SourceCPU, types.SourceGPU},
		ReadTimeout: 2 * time.Second,
		StaleAfter:  30 * time.Second,
		SampleCount: 1,
		Now:         time.Now,
	}
}

type sourceState struct {
	last        types.TemperatureSample
	hasValid    bool
	lastValidAt time.Time
	failures    int
	window      *rolling.PointPolicy
}

// Feed 温度采样器
type Feed struct {
	backend Backend
	logger  types.Logger
	opts    Options

	mu     sync.Mutex
	states map[types.TemperatureSource]*sourceState
}

// NewFeed 创建温度采样器
func NewFeed(backend Backend, logger types.Logger, opts Options) *Feed {
	defaults := DefaultOptions()
	if len(opts.Sources) == 0 {
		opts.Sources = defaults.Sources
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.SampleCount < 1 {
		opts.SampleCount = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	f := &Feed{
		backend: backend,
		logger:  logger,
		opts:    opts,
		states:  make(map[types.TemperatureSource]*sourceState, len(opts.Sources)),
	}
	for _, src := range opts.Sources {
		f.states[src] = &sourceState{
			last:   types.TemperatureSample{Source: src},
			window: rolling.NewPointPolicy(rolling.NewWindow(opts.SampleCount)),
		}
	}
	return f
}

// Sources 已配置的温度来源
func (f *Feed) Sources() []types.TemperatureSource {
	return append([]types.TemperatureSource(nil), f.opts.Sources...)
}

// Poll 读取所有来源，返回每个来源的样本
func (f *Feed) Poll(ctx context.Context) ([]types.TemperatureSample, error) {
	samples := make([]types.TemperatureSample, 0, len(f.opts.Sources))
	var errs []error
	for _, src := range f.opts.Sources {
		sample, err := f.PollSource(ctx, src)
		samples = append(samples, sample)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return samples, errors.Join(errs...)
}

// PollSource 读取单个来源。读取失败时返回上一次有效温度并标记 Valid=false，
// 只有从未读到有效值或有效值过期时才返回 ErrNoSensorData
func (f *Feed) PollSource(ctx context.Context, src types.TemperatureSource) (types.TemperatureSample, error) {
	value, readErr := f.read(ctx, src)
	now := f.opts.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.states[src]
	if !ok {
		return types.TemperatureSample{Source: src, Timestamp: now}, fmt.Errorf("%s 未配置: %w", src, ErrNoSensorData)
	}

	if readErr == nil {
		if state.failures > 0 {
			f.logInfo("%s 温度读取已恢复 (连续失败 %d 次)", src, state.failures)
		}
		state.failures = 0
		if !state.hasValid {
			// 首个有效值填满窗口，避免平均值被初始零值拉低
			for range f.opts.SampleCount - 1 {
				state.window.Append(value)
			}
		}
		state.window.Append(value)
		celsius := value
		if f.opts.SampleCount > 1 {
			celsius = state.window.Reduce(rolling.Avg)
		}
		state.last = types.TemperatureSample{Source: src, Celsius: celsius, Timestamp: now, Valid: true}
		state.hasValid = true
		state.lastValidAt = now
		return state.last, nil
	}

	state.failures++
	if state.failures == 1 {
		f.logWarn("%s 温度读取失败，沿用上次有效值: %v", src, readErr)
	} else {
		f.logDebug("%s 温度读取失败 (第 %d 次): %v", src, state.failures, readErr)
	}

	sample := types.TemperatureSample{Source: src, Celsius: state.last.Celsius, Timestamp: now, Valid: false}
	state.last = sample

	if !state.hasValid {
		return sample, fmt.Errorf("%s: %w: %v", src, ErrNoSensorData, readErr)
	}
	if f.opts.StaleAfter > 0 && now.Sub(state.lastValidAt) > f.opts.StaleAfter {
		return sample, fmt.Errorf("%s 温度已 %s 未更新: %w", src, now.Sub(state.lastValidAt).Round(time.Second), ErrNoSensorData)
	}
	return sample, nil
}

// Latest 返回最近一次样本，第二个返回值表示是否曾读到有效值
func (f *Feed) Latest(src types.TemperatureSource) (types.TemperatureSample, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.states[src]
	if !ok {
		return types.TemperatureSample{Source: src}, false
	}
	return state.last, state.hasValid
}

// read 带超时调用外部接口，接口忽略 ctx 时也不会卡住采样
func (f *Feed) read(ctx context.Context, src types.TemperatureSource) (float64, error) {
	readCtx, cancel := context.WithTimeout(ctx, f.opts.ReadTimeout)
	defer cancel()

	type result struct {
		value float64
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("温度读取发生panic: %v", r)}
			}
		}()
		v, err := f.backend.ReadTemperature(readCtx, src)
		ch <- result{value: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return 0, r.err
		}
		if math.IsNaN(r.value) || r.value < minPlausibleC || r.value > maxPlausibleC {
			return 0, fmt.Errorf("%.1f°C: %w", r.value, ErrImplausibleReading)
		}
		return r.value, nil
	case <-readCtx.Done():
		return 0, readCtx.Err()
	}
}

func (f *Feed) logInfo(format string, v ...any) {
	if f.logger != nil {
		f.logger.Info(format, v...)
	}
}

func (f *Feed) logWarn(format string, v ...any) {
	if f.logger != nil {
		f.logger.Warn(format, v...)
	}
}

func (f *Feed) logDebug(format string, v ...any) {
	if f.logger != nil {
		f.logger.Debug(format, v...)
	}
}
