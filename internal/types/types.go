// Package types 定义了水冷控制器应用中使用的所有共享类型
package types

import "time"

// ConnectionState 设备连接状态
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateScanning
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// DeviceHandle 扫描到的控制器
type DeviceHandle struct {
	Address string `json:"address"` // 硬件地址
	Name    string `json:"name"`    // 广播名称
	RSSI    int    `json:"rssi"`    // 信号强度 dBm
}

// TemperatureSource 温度来源
type TemperatureSource string

const (
	SourceCPU TemperatureSource = "cpu"
	SourceGPU TemperatureSource = "gpu"
)

// TemperatureSample 单次温度采样
type TemperatureSample struct {
	Source    TemperatureSource `json:"source"`
	Celsius   float64           `json:"celsius"`
	Timestamp time.Time         `json:"timestamp"`
	Valid     bool              `json:"valid"` // false 表示读取失败，Celsius 为上一次有效值
}

// CurvePoint 风扇曲线点
type CurvePoint struct {
	TemperatureC float64 `json:"temperature"` // 温度 °C
	FanPercent   int     `json:"fanPercent"`  // 风扇功率 0-100
}

// Mode 控制模式
type Mode string

const (
	ModeManual Mode = "manual"
	ModeCurve  Mode = "curve"
)

// PumpVoltage 水泵电压(V)，0 表示关闭
type PumpVoltage int

const (
	PumpOff PumpVoltage = 0
	Pump7V  PumpVoltage = 7
	Pump8V  PumpVoltage = 8
	Pump11V PumpVoltage = 11
	Pump12V PumpVoltage = 12
)

// Valid 是否为控制器支持的电压档位
func (v PumpVoltage) Valid() bool {
	switch v {
	case PumpOff, Pump7V, Pump8V, Pump11V, Pump12V:
		return true
	}
	return false
}

// RGBColor RGB 颜色
type RGBColor struct {
	R byte `json:"r"`
	G byte `json:"g"`
	B byte `json:"b"`
}

// LightingMode 灯光模式
type LightingMode string

const (
	LightingOff            LightingMode = "off"
	LightingStatic         LightingMode = "static"
	LightingBreathe        LightingMode = "breathe"
	LightingRainbow        LightingMode = "rainbow"
	LightingBreatheRainbow LightingMode = "breathe_rainbow"
)

// LightingConfig 灯光配置
type LightingConfig struct {
	Mode  LightingMode `json:"mode"`  // off/static/breathe/rainbow/breathe_rainbow
	Color RGBColor     `json:"color"` // rainbow 模式下忽略
}

// ManualTargets 手动模式设定值
type ManualTargets struct {
	FanPercent  int            `json:"fanPercent"`  // 0-100
	PumpVoltage PumpVoltage    `json:"pumpVoltage"` // 0/7/8/11/12
	Lighting    LightingConfig `json:"lighting"`
}

// DeviceConfig 设备连接配置
type DeviceConfig struct {
	Address           string   `json:"address"`           // 上次连接的设备地址
	NameFilters       []string `json:"nameFilters"`       // 扫描时匹配的设备名称
	ScanTimeoutSec    int      `json:"scanTimeoutSec"`    // 扫描超时(秒)
	ConnectTimeoutSec int      `json:"connectTimeoutSec"` // 连接超时(秒)
	WriteTimeoutMs    int      `json:"writeTimeoutMs"`    // 写入超时(毫秒)
	AutoReconnect     bool     `json:"autoReconnect"`     // 断连后自动重连
	ReconnectAttempts int      `json:"reconnectAttempts"` // 每轮重连尝试次数
	MaxBackoffSec     int      `json:"maxBackoffSec"`     // 重连退避上限(秒)
}

// AppConfig 应用配置
type AppConfig struct {
	Mode            Mode          `json:"mode"`            // 上次使用的控制模式
	PollIntervalMs  int           `json:"pollIntervalMs"`  // 温度轮询间隔(毫秒)
	FanCurve        []CurvePoint  `json:"fanCurve"`        // 风扇曲线
	Manual          ManualTargets `json:"manual"`          // 手动设定值
	SafeFanPercent  int           `json:"safeFanPercent"`  // 无温度数据时的安全风扇功率
	StaleAfterSec   int           `json:"staleAfterSec"`   // 温度数据过期时间(秒)，0 表示不过期
	TempSampleCount int           `json:"tempSampleCount"` // 温度采样次数(用于平均)
	RampUpLimit     int           `json:"rampUpLimit"`     // 曲线模式每次最大升幅(%)，0 不限
	RampDownLimit   int           `json:"rampDownLimit"`   // 曲线模式每次最大降幅(%)，0 不限
	Device          DeviceConfig  `json:"device"`
	DebugMode       bool          `json:"debugMode"` // 调试模式
	ConfigPath      string        `json:"-"`         // 配置文件路径
}

// Logger 日志记录器接口
type Logger interface {
	Info(format string, v ...any)
	Error(format string, v ...any)
	Warn(format string, v ...any)
	Debug(format string, v ...any)
	Close()
	CleanOldLogs()
	SetDebugMode(enabled bool)
	GetLogDir() string
}

// SupportedModels 已知的控制器型号
var SupportedModels = []string{"LCT21001", "LCT22002"}

// GetDefaultFanCurve 获取默认风扇曲线
func GetDefaultFanCurve() []CurvePoint {
	return []CurvePoint{
		{TemperatureC: 20, FanPercent: 31},
		{TemperatureC: 60, FanPercent: 58},
		{TemperatureC: 100, FanPercent: 100},
	}
}

// GetDefaultLightingConfig 获取默认灯光配置
func GetDefaultLightingConfig() LightingConfig {
	return LightingConfig{
		Mode:  LightingStatic,
		Color: RGBColor{R: 255, G: 0, B: 0},
	}
}

// GetDefaultDeviceConfig 获取默认设备配置
func GetDefaultDeviceConfig() DeviceConfig {
	filters := make([]string, len(SupportedModels))
	copy(filters, SupportedModels)
	return DeviceConfig{
		NameFilters:       filters,
		ScanTimeoutSec:    10,
		ConnectTimeoutSec: 5,
		WriteTimeoutMs:    2000,
		AutoReconnect:     true,
		ReconnectAttempts: 3,
		MaxBackoffSec:     8,
	}
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() AppConfig {
	return AppConfig{
		Mode:           ModeManual,
		PollIntervalMs: 2000,
		FanCurve:       GetDefaultFanCurve(),
		Manual: ManualTargets{
			FanPercent:  58,
			PumpVoltage: Pump8V,
			Lighting:    GetDefaultLightingConfig(),
		},
		SafeFanPercent:  100,
		StaleAfterSec:   30,
		TempSampleCount: 1,
		RampUpLimit:     0,
		RampDownLimit:   0,
		Device:          GetDefaultDeviceConfig(),
		DebugMode:       false,
	}
}
