// Package config 负责应用配置的读取、归一化与保存
package config

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/lct-cooler/watercooler-controller/internal/curve"
	"github.com/lct-cooler/watercooler-controller/internal/protocol"
	"github.com/lct-cooler/watercooler-controller/internal/types"
)

const fileName = ".watercooler.json"

// DefaultPath 默认配置文件路径 ~/.watercooler.json
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("获取用户目录失败: %w", err)
	}
	return filepath.Join(home, fileName), nil
}

// Manager 配置管理器
type Manager struct {
	path   string
	logger types.Logger
}

// NewManager 创建配置管理器，path 为空时使用默认路径
func NewManager(path string, logger types.Logger) (*Manager, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &Manager{path: path, logger: logger}, nil
}

// Path 配置文件路径
func (m *Manager) Path() string {
	return m.path
}

// Load 读取配置。文件不存在时返回默认配置，内容损坏时备份原文件并使用默认配置
func (m *Manager) Load() (types.AppConfig, error) {
	cfg := types.GetDefaultConfig()
	cfg.ConfigPath = m.path

	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		m.logInfo("配置文件不存在，使用默认配置: %s", m.path)
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}

	loaded := types.GetDefaultConfig()
	if err := json.Unmarshal(data, &loaded); err != nil {
		backup := m.path + ".bak"
		if werr := os.WriteFile(backup, data, 0o644); werr != nil {
			m.logError("备份损坏的配置失败: %v", werr)
		}
		m.logError("配置文件解析失败，已使用默认配置 (原文件备份到 %s): %v", backup, err)
		return cfg, nil
	}

	loaded, changed := Normalize(loaded)
	loaded.ConfigPath = m.path
	if changed {
		m.logWarn("配置中存在无效值，已重置为默认值")
		if err := m.Save(loaded); err != nil {
			m.logError("保存归一化后的配置失败: %v", err)
		}
	}
	return loaded, nil
}

// Save 写入配置，先写临时文件再替换
func (m *Manager) Save(cfg types.AppConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("替换配置文件失败: %w", err)
	}
	m.logDebug("配置已保存: %s", m.path)
	return nil
}

// Normalize 归一化配置，返回是否有字段被修改
func Normalize(cfg types.AppConfig) (types.AppConfig, bool) {
	defaults := types.GetDefaultConfig()
	changed := false

	if cfg.Mode != types.ModeManual && cfg.Mode != types.ModeCurve {
		cfg.Mode = defaults.Mode
		changed = true
	}
	if cfg.PollIntervalMs < 500 || cfg.PollIntervalMs > 10000 {
		cfg.PollIntervalMs = defaults.PollIntervalMs
		changed = true
	}
	if _, err := curve.New(cfg.FanCurve); err != nil {
		cfg.FanCurve = defaults.FanCurve
		changed = true
	} else if !slices.IsSortedFunc(cfg.FanCurve, func(a, b types.CurvePoint) int {
		return cmp.Compare(a.TemperatureC, b.TemperatureC)
	}) {
		c, _ := curve.New(cfg.FanCurve)
		cfg.FanCurve = c.Points()
		changed = true
	}

	if cfg.Manual.FanPercent < 0 || cfg.Manual.FanPercent > 100 {
		cfg.Manual.FanPercent = defaults.Manual.FanPercent
		changed = true
	}
	if !cfg.Manual.PumpVoltage.Valid() {
		cfg.Manual.PumpVoltage = defaults.Manual.PumpVoltage
		changed = true
	}
	if _, err := protocol.Encode(protocol.LightingCommand(cfg.Manual.Lighting)); err != nil {
		cfg.Manual.Lighting = defaults.Manual.Lighting
		changed = true
	}

	if cfg.SafeFanPercent < 1 || cfg.SafeFanPercent > 100 {
		cfg.SafeFanPercent = defaults.SafeFanPercent
		changed = true
	}
	if cfg.StaleAfterSec < 0 || cfg.StaleAfterSec > 3600 {
		cfg.StaleAfterSec = defaults.StaleAfterSec
		changed = true
	}
	if cfg.TempSampleCount < 1 || cfg.TempSampleCount > 10 {
		cfg.TempSampleCount = defaults.TempSampleCount
		changed = true
	}
	if cfg.RampUpLimit < 0 || cfg.RampUpLimit > 100 {
		cfg.RampUpLimit = defaults.RampUpLimit
		changed = true
	}
	if cfg.RampDownLimit < 0 || cfg.RampDownLimit > 100 {
		cfg.RampDownLimit = defaults.RampDownLimit
		changed = true
	}

	dev, devChanged := normalizeDevice(cfg.Device, defaults.Device)
	cfg.Device = dev
	changed = changed || devChanged

	return cfg, changed
}

func normalizeDevice(cfg, defaults types.DeviceConfig) (types.DeviceConfig, bool) {
	changed := false
	if len(cfg.NameFilters) == 0 {
		cfg.NameFilters = defaults.NameFilters
		changed = true
	}
	if cfg.ScanTimeoutSec < 1 || cfg.ScanTimeoutSec > 120 {
		cfg.ScanTimeoutSec = defaults.ScanTimeoutSec
		changed = true
	}
	if cfg.ConnectTimeoutSec < 1 || cfg.ConnectTimeoutSec > 60 {
		cfg.ConnectTimeoutSec = defaults.ConnectTimeoutSec
		changed = true
	}
	if cfg.WriteTimeoutMs < 100 || cfg.WriteTimeoutMs > 10000 {
		cfg.WriteTimeoutMs = defaults.WriteTimeoutMs
		changed = true
	}
	if cfg.ReconnectAttempts < 0 || cfg.ReconnectAttempts > 10 {
		cfg.ReconnectAttempts = defaults.ReconnectAttempts
		changed = true
	}
	if cfg.MaxBackoffSec < 1 || cfg.MaxBackoffSec > 60 {
		cfg.MaxBackoffSec = defaults.MaxBackoffSec
		changed = true
	}
	return cfg, changed
}

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
