package curve

import "github.com/lct-cooler/watercooler-controller/internal/types"

// Mutation 对曲线的一次编辑
type Mutation interface {
	Apply(c *Curve) error
}

// AddPoint 添加点
type AddPoint struct {
	Point types.CurvePoint
}

// RemovePoint 删除点
type RemovePoint struct {
	Index int
}

// MovePoint 移动点
type MovePoint struct {
	Index int
	Point types.CurvePoint
}

// ReplaceAll 替换整条曲线
type ReplaceAll struct {
	Points []types.CurvePoint
}

func (m AddPoint) Apply(c *Curve) error    { return c.AddPoint(m.Point) }
func (m RemovePoint) Apply(c *Curve) error { return c.RemovePoint(m.Index) }
func (m MovePoint) Apply(c *Curve) error   { return c.MovePoint(m.Index, m.Point) }
func (m ReplaceAll) Apply(c *Curve) error  { return c.Replace(m.Points) }
