package model

import (
	"bytes"
	"fmt"
	"image"
)

// Mask 二值掩码，按行存储，0 表示未选中，255 表示选中
type Mask struct {
	Width  int
	Height int
	Pix    []byte
}

// NewMask 创建全空（全部未选中）的掩码
func NewMask(width, height int) *Mask {
	return &Mask{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height),
	}
}

// MaskFromBytes 以 8 位灰度数据构造掩码，非零值视为选中
func MaskFromBytes(width, height int, data []byte) (*Mask, error) {
	if len(data) != width*height {
		return nil, fmt.Errorf("mask data length %d does not match %dx%d", len(data), width, height)
	}
	m := NewMask(width, height)
	for i, v := range data {
		if v != 0 {
			m.Pix[i] = 255
		}
	}
	return m, nil
}

func (m *Mask) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *Mask) SameSize(o *Mask) bool {
	return m.Width == o.Width && m.Height == o.Height
}

func (m *Mask) In(p Point) bool {
	return p.X >= 0 && p.X < m.Width && p.Y >= 0 && p.Y < m.Height
}

func (m *Mask) At(x, y int) bool {
	return m.Pix[y*m.Width+x] != 0
}

func (m *Mask) Set(x, y int, on bool) {
	if on {
		m.Pix[y*m.Width+x] = 255
	} else {
		m.Pix[y*m.Width+x] = 0
	}
}

// FillRect 将矩形区域（与掩码范围求交后）全部置为 on
func (m *Mask) FillRect(r image.Rectangle, on bool) {
	r = r.Intersect(m.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			m.Set(x, y, on)
		}
	}
}

// Clone 深拷贝，快照与原掩码不共享底层数组
func (m *Mask) Clone() *Mask {
	pix := make([]byte, len(m.Pix))
	copy(pix, m.Pix)
	return &Mask{Width: m.Width, Height: m.Height, Pix: pix}
}

func (m *Mask) Equal(o *Mask) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.SameSize(o) && bytes.Equal(m.Pix, o.Pix)
}

// Count 返回选中像素数
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

func (m *Mask) IsEmpty() bool {
	for _, v := range m.Pix {
		if v != 0 {
			return false
		}
	}
	return true
}

// BoundingBox 选中像素的外接矩形，空掩码返回零值
func (m *Mask) BoundingBox() BBox {
	minX, minY, maxX, maxY := m.Width, m.Height, -1, -1
	for y := 0; y < m.Height; y++ {
		row := m.Pix[y*m.Width : (y+1)*m.Width]
		for x, v := range row {
			if v == 0 {
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < 0 {
		return BBox{}
	}
	return BBox{X: minX, Y: minY, Width: maxX - minX + 1, Height: maxY - minY + 1}
}

// RawMask 模型输出的原始概率掩码，取值范围 [0,1]
type RawMask struct {
	Width  int
	Height int
	Data   []float32
}

func NewRawMask(width, height int) *RawMask {
	return &RawMask{Width: width, Height: height, Data: make([]float32, width*height)}
}

func (r *RawMask) At(x, y int) float32 {
	return r.Data[y*r.Width+x]
}

func (r *RawMask) Set(x, y int, v float32) {
	r.Data[y*r.Width+x] = v
}
