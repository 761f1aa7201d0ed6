package sensor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lct-cooler/watercooler-controller/internal/types"
	"github.com/shirou/gopsutil/v4/sensors"
)

// ErrSensorNotFound 系统中没有匹配该来源的传感器
var ErrSensorNotFound = errors.New("未找到温度传感器")

// sensorKeyPrefixes 传感器名称与来源的对应关系
var sensorKeyPrefixes = map[types.TemperatureSource][]string{
	types.SourceCPU: {"coretemp", "k10temp", "zenpower", "cpu", "package", "tctl", "tdie"},
	types.SourceGPU: {"amdgpu", "radeon", "nouveau", "nvidia", "gpu"},
}

// HostBackend 通过 gopsutil 读取系统温度传感器
type HostBackend struct {
	read func(ctx context.Context) ([]sensors.TemperatureStat, error)
}

// NewHostBackend 创建系统温度读取器
func NewHostBackend() *HostBackend {
	return &HostBackend{read: sensors.TemperaturesWithContext}
}

// ReadTemperature 返回该来源下温度最高的传感器读数
func (b *HostBackend) ReadTemperature(ctx context.Context, source types.TemperatureSource) (float64, error) {
	stats, err := b.read(ctx)
	// gopsutil 在部分传感器失败时仍会返回其余读数
	if err != nil && len(stats) == 0 {
		return 0, fmt.Errorf("读取系统传感器失败: %w", err)
	}

	prefixes := sensorKeyPrefixes[source]
	found := false
	hottest := 0.0
	for _, stat := range stats {
		if !matchesSource(stat.SensorKey, prefixes) {
			continue
		}
		if !found || stat.Temperature > hottest {
			hottest = stat.Temperature
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("%s: %w", source, ErrSensorNotFound)
	}
	return hottest, nil
}

func matchesSource(key string, prefixes []string) bool {
	lower := strings.ToLower(key)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p) || strings.Contains(lower, "_"+p) {
			return true
		}
	}
	return false
}
