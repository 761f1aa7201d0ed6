// Package protocol 实现 LCT 水冷控制器的 BLE 帧编解码
package protocol

import (
	"fmt"

	"github.com/lct-cooler/watercooler-controller/internal/types"
)

// CommandKind 命令类型
type CommandKind int

const (
	KindFan CommandKind = iota
	KindPump
	KindLighting
	KindReset
)

func (k CommandKind) String() string {
	switch k {
	case KindFan:
		return "fan"
	case KindPump:
		return "pump"
	case KindLighting:
		return "lighting"
	case KindReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Command 控制命令，只能是本包定义的几种类型之一
type Command interface {
	Kind() CommandKind
	fmt.Stringer
	sealed()
}

// SetFanPercent 设置风扇功率
type SetFanPercent struct {
	Percent int
}

// SetPumpVoltage 设置水泵电压
type SetPumpVoltage struct {
	Voltage types.PumpVoltage
}

// SetLighting 设置灯光
type SetLighting struct {
	Mode  types.LightingMode
	Color types.RGBColor
}

// Reset 复位控制器
type Reset struct{}

func (SetFanPercent) Kind() CommandKind  { return KindFan }
func (SetPumpVoltage) Kind() CommandKind { return KindPump }
func (SetLighting) Kind() CommandKind    { return KindLighting }
func (Reset) Kind() CommandKind          { return KindReset }

func (SetFanPercent) sealed()  {}
func (SetPumpVoltage) sealed() {}
func (SetLighting) sealed()    {}
func (Reset) sealed()          {}

func (c SetFanPercent) String() string { return fmt.Sprintf("fan(%d%%)", c.Percent) }

func (c SetPumpVoltage) String() string {
	if c.Voltage == types.PumpOff {
		return "pump(off)"
	}
	return fmt.Sprintf("pump(%dV)", c.Voltage)
}

func (c SetLighting) String() string {
	return fmt.Sprintf("lighting(%s #%02x%02x%02x)", c.Mode, c.Color.R, c.Color.G, c.Color.B)
}

func (Reset) String() string { return "reset" }

// LightingCommand 由灯光配置构造命令
func LightingCommand(cfg types.LightingConfig) SetLighting {
	mode := cfg.Mode
	if mode == "" {
		mode = types.LightingOff
	}
	return SetLighting{Mode: mode, Color: cfg.Color}
}
