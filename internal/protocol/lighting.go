package protocol

import (
	"fmt"
	"strings"

	"github.com/lct-cooler/watercooler-controller/internal/types"
)

var lightingModeCodes = map[types.LightingMode]byte{
	types.LightingStatic:         0x00,
	types.LightingBreathe:        0x01,
	types.LightingRainbow:        0x02,
	types.LightingBreatheRainbow: 0x03,
}

// NamedColors 预设颜色
var NamedColors = map[string]types.RGBColor{
	"red":     {R: 255, G: 0, B: 0},
	"green":   {R: 0, G: 255, B: 0},
	"blue":    {R: 0, G: 0, B: 255},
	"white":   {R: 255, G: 255, B: 255},
	"yellow":  {R: 255, G: 255, B: 0},
	"cyan":    {R: 0, G: 255, B: 255},
	"magenta": {R: 255, G: 0, B: 255},
}

func lightingModeCode(mode types.LightingMode) (byte, bool) {
	code, ok := lightingModeCodes[mode]
	return code, ok
}

func lightingModeFromCode(code byte) (types.LightingMode, bool) {
	for mode, c := range lightingModeCodes {
		if c == code {
			return mode, true
		}
	}
	return "", false
}

// 彩虹模式由固件生成颜色，颜色字段固定为 0
func colorForMode(mode types.LightingMode, color types.RGBColor) types.RGBColor {
	if mode == types.LightingRainbow || mode == types.LightingBreatheRainbow {
		return types.RGBColor{}
	}
	return color
}

// ParseLightingMode 解析灯光模式名称
func ParseLightingMode(name string) (types.LightingMode, error) {
	mode := types.LightingMode(strings.ToLower(strings.TrimSpace(name)))
	if mode == types.LightingOff {
		return mode, nil
	}
	if _, ok := lightingModeCodes[mode]; !ok {
		return "", fmt.Errorf("未知灯光模式: %s", name)
	}
	return mode, nil
}

// ParseColor 解析颜色，支持预设名称与 #rrggbb
func ParseColor(value string) (types.RGBColor, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if color, ok := NamedColors[value]; ok {
		return color, nil
	}

	hex := strings.TrimPrefix(value, "#")
	if len(hex) != 6 {
		return types.RGBColor{}, fmt.Errorf("无效颜色: %s", value)
	}
	var r, g, b byte
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return types.RGBColor{}, fmt.Errorf("无效颜色 %s: %v", value, err)
	}
	return types.RGBColor{R: r, G: g, B: b}, nil
}
