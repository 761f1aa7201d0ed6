package tray

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
)

var (
	iconOnce sync.Once
	iconData []byte
)

// DefaultIcon 内置托盘图标：蓝色圆形水滴
func DefaultIcon() []byte {
	iconOnce.Do(func() {
		const size = 32
		img := image.NewNRGBA(image.Rect(0, 0, size, size))
		fill := color.NRGBA{R: 0x1e, G: 0x88, B: 0xe5, A: 0xff}
		center := float64(size-1) / 2
		radius := float64(size)/2 - 1
		for y := range size {
			for x := range size {
				dx, dy := float64(x)-center, float64(y)-center
				if dx*dx+dy*dy <= radius*radius {
					img.SetNRGBA(x, y, fill)
				}
			}
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err == nil {
			iconData = buf.Bytes()
		}
	})
	return iconData
}
