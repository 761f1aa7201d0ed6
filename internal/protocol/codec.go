package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/lct-cooler/watercooler-controller/internal/types"
)

// 帧格式: FE cmd enable a b c d EF
const (
	FrameLen    = 8
	frameHeader = 0xFE
	frameFooter = 0xEF

	cmdReset    byte = 0x19
	cmdFan      byte = 0x1B
	cmdPump     byte = 0x1C
	cmdLighting byte = 0x1E

	pumpDuty byte = 100
)

var (
	// ErrMalformedFrame 帧长度、分隔符或命令字不符合协议
	ErrMalformedFrame = errors.New("帧格式错误")
	// ErrOutOfRange 命令参数超出范围
	ErrOutOfRange = errors.New("参数超出范围")
)

// pumpVoltageCodes 固件使用的电压编码
var pumpVoltageCodes = map[types.PumpVoltage]byte{
	types.Pump11V: 0x00,
	types.Pump12V: 0x01,
	types.Pump7V:  0x02,
	types.Pump8V:  0x03,
}

// Encode 将命令编码为控制器帧，相同命令总是得到相同字节
func Encode(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case SetFanPercent:
		if c.Percent < 0 || c.Percent > 100 {
			return nil, fmt.Errorf("风扇功率 %d%%: %w", c.Percent, ErrOutOfRange)
		}
		duty := PercentToDuty(c.Percent)
		if duty == 0 {
			return frame(cmdFan, 0x00, 0, 0, 0, 0), nil
		}
		return frame(cmdFan, 0x01, duty, 0, 0, 0), nil
	case SetPumpVoltage:
		if c.Voltage == types.PumpOff {
			return frame(cmdPump, 0x00, 0, 0, 0, 0), nil
		}
		code, ok := pumpVoltageCodes[c.Voltage]
		if !ok {
			return nil, fmt.Errorf("水泵电压 %dV: %w", c.Voltage, ErrOutOfRange)
		}
		return frame(cmdPump, 0x01, pumpDuty, code, 0, 0), nil
	case SetLighting:
		if c.Mode == types.LightingOff {
			return frame(cmdLighting, 0x00, 0, 0, 0, 0), nil
		}
		code, ok := lightingModeCode(c.Mode)
		if !ok {
			return nil, fmt.Errorf("灯光模式 %q: %w", c.Mode, ErrOutOfRange)
		}
		color := colorForMode(c.Mode, c.Color)
		return frame(cmdLighting, 0x01, color.R, color.G, color.B, code), nil
	case Reset:
		return frame(cmdReset, 0x00, 0x01, 0, 0, 0), nil
	case nil:
		return nil, fmt.Errorf("空命令: %w", ErrOutOfRange)
	default:
		return nil, fmt.Errorf("未知命令 %T: %w", cmd, ErrOutOfRange)
	}
}

// Decode 解析控制器回传的状态帧
func Decode(buf []byte) (Command, error) {
	if len(buf) != FrameLen {
		return nil, fmt.Errorf("长度 %d: %w", len(buf), ErrMalformedFrame)
	}
	if buf[0] != frameHeader || buf[FrameLen-1] != frameFooter {
		return nil, fmt.Errorf("分隔符 %#02x/%#02x: %w", buf[0], buf[FrameLen-1], ErrMalformedFrame)
	}

	if buf[2] > 0x01 {
		return nil, fmt.Errorf("使能字节 %#02x: %w", buf[2], ErrMalformedFrame)
	}
	enabled := buf[2] == 0x01
	switch buf[1] {
	case cmdFan:
		if !enabled {
			return SetFanPercent{Percent: 0}, nil
		}
		return SetFanPercent{Percent: DutyToPercent(buf[3])}, nil
	case cmdPump:
		if !enabled {
			return SetPumpVoltage{Voltage: types.PumpOff}, nil
		}
		for v, code := range pumpVoltageCodes {
			if code == buf[4] {
				return SetPumpVoltage{Voltage: v}, nil
			}
		}
		return nil, fmt.Errorf("未知电压编码 %#02x: %w", buf[4], ErrMalformedFrame)
	case cmdLighting:
		if !enabled {
			return SetLighting{Mode: types.LightingOff}, nil
		}
		mode, ok := lightingModeFromCode(buf[6])
		if !ok {
			return nil, fmt.Errorf("未知灯光模式 %#02x: %w", buf[6], ErrMalformedFrame)
		}
		return SetLighting{Mode: mode, Color: types.RGBColor{R: buf[3], G: buf[4], B: buf[5]}}, nil
	case cmdReset:
		return Reset{}, nil
	default:
		return nil, fmt.Errorf("未知命令字 %#02x: %w", buf[1], ErrMalformedFrame)
	}
}

// PercentToDuty 风扇百分比转换为 0-255 占空比
func PercentToDuty(percent int) byte {
	percent = clampPercent(percent)
	return byte(math.Round(float64(percent) * 255 / 100))
}

// DutyToPercent 占空比转换为风扇百分比
func DutyToPercent(duty byte) int {
	return int(math.Round(float64(duty) * 100 / 255))
}

func frame(cmd, enable, a, b, c, d byte) []byte {
	return []byte{frameHeader, cmd, enable, a, b, c, d, frameFooter}
}

func clampPercent(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
