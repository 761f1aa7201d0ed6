// Package curve 提供温度-风扇功率曲线的计算与编辑
package curve

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/lct-cooler/watercooler-controller/internal/types"
)

var (
	// ErrEmptyCurve 曲线没有任何点
	ErrEmptyCurve = errors.New("风扇曲线为空")
	// ErrDuplicateTemperature 两个点温度相同
	ErrDuplicateTemperature = errors.New("曲线点温度重复")
	// ErrInvalidPoint 点的取值非法
	ErrInvalidPoint = errors.New("曲线点无效")
)

// Curve 按温度严格递增的风扇曲线，非并发安全
type Curve struct {
	points []types.CurvePoint
}

// New 创建曲线，输入会被排序并校验
func New(points []types.CurvePoint) (*Curve, error) {
	sorted, err := normalize(points)
	if err != nil {
		return nil, err
	}
	return &Curve{points: sorted}, nil
}

// Points 返回曲线点副本
func (c *Curve) Points() []types.CurvePoint {
	return slices.Clone(c.points)
}

// Len 点数
func (c *Curve) Len() int {
	return len(c.points)
}

// Evaluate 线性插值计算目标风扇功率，超出范围时取两端点的值
func (c *Curve) Evaluate(temp float64) (int, error) {
	if len(c.points) == 0 {
		return 0, ErrEmptyCurve
	}

	first := c.points[0]
	last := c.points[len(c.points)-1]
	if math.IsNaN(temp) || temp <= first.TemperatureC {
		return clampInt(first.FanPercent, 0, 100), nil
	}
	if temp >= last.TemperatureC {
		return clampInt(last.FanPercent, 0, 100), nil
	}

	for i := 1; i < len(c.points); i++ {
		lo, hi := c.points[i-1], c.points[i]
		if temp > hi.TemperatureC {
			continue
		}
		ratio := (temp - lo.TemperatureC) / (hi.TemperatureC - lo.TemperatureC)
		value := float64(lo.FanPercent) + ratio*float64(hi.FanPercent-lo.FanPercent)
		return clampInt(int(math.Round(value)), 0, 100), nil
	}

	return clampInt(last.FanPercent, 0, 100), nil
}

// AddPoint 添加一个点
func (c *Curve) AddPoint(p types.CurvePoint) error {
	next := append(slices.Clone(c.points), p)
	return c.replace(next)
}

// RemovePoint 删除指定下标的点
func (c *Curve) RemovePoint(index int) error {
	if index < 0 || index >= len(c.points) {
		return fmt.Errorf("下标 %d 超出范围: %w", index, ErrInvalidPoint)
	}
	next := slices.Delete(slices.Clone(c.points), index, index+1)
	return c.replace(next)
}

// MovePoint 将指定下标的点移动到新位置
func (c *Curve) MovePoint(index int, p types.CurvePoint) error {
	if index < 0 || index >= len(c.points) {
		return fmt.Errorf("下标 %d 超出范围: %w", index, ErrInvalidPoint)
	}
	next := slices.Clone(c.points)
	next[index] = p
	return c.replace(next)
}

// Replace 整体替换曲线
func (c *Curve) Replace(points []types.CurvePoint) error {
	return c.replace(slices.Clone(points))
}

// replace 校验通过后才修改曲线，失败时保持原样
func (c *Curve) replace(points []types.CurvePoint) error {
	sorted, err := normalize(points)
	if err != nil {
		return err
	}
	c.points = sorted
	return nil
}

func normalize(points []types.CurvePoint) ([]types.CurvePoint, error) {
	sorted := slices.Clone(points)
	for _, p := range sorted {
		if err := validatePoint(p); err != nil {
			return nil, err
		}
	}
	slices.SortStableFunc(sorted, func(a, b types.CurvePoint) int {
		switch {
		case a.TemperatureC < b.TemperatureC:
			return -1
		case a.TemperatureC > b.TemperatureC:
			return 1
		default:
			return 0
		}
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].TemperatureC == sorted[i-1].TemperatureC {
			return nil, fmt.Errorf("%.1f°C: %w", sorted[i].TemperatureC, ErrDuplicateTemperature)
		}
	}
	return sorted, nil
}

func validatePoint(p types.CurvePoint) error {
	if math.IsNaN(p.TemperatureC) || math.IsInf(p.TemperatureC, 0) {
		return fmt.Errorf("温度 %v: %w", p.TemperatureC, ErrInvalidPoint)
	}
	if p.FanPercent < 0 || p.FanPercent > 100 {
		return fmt.Errorf("风扇功率 %d%%: %w", p.FanPercent, ErrInvalidPoint)
	}
	return nil
}
