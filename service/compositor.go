package service

import (
	"fmt"
	"image/color"

	"github.com/TIANLI0/MaskKit/model"
	"gocv.io/x/gocv"
)

// Compositor 根据图像与选区掩码渲染预览图与导出图
type Compositor struct {
	processor *MaskProcessor
}

func NewCompositor(processor *MaskProcessor) *Compositor {
	return &Compositor{processor: processor}
}

// RenderPreview 背景按固定系数压暗，前景保持原样，并用灰色描出选区外轮廓
func (c *Compositor) RenderPreview(img gocv.Mat, m *model.Mask) (gocv.Mat, error) {
	if img.Cols() != m.Width || img.Rows() != m.Height {
		return gocv.NewMat(), fmt.Errorf("%w: image %dx%d, mask %dx%d",
			ErrShapeMismatch, img.Cols(), img.Rows(), m.Width, m.Height)
	}
	cfg := c.processor.Config()

	out := img.Clone()

	dark, err := darken(img, cfg.DarkenFactor)
	if err != nil {
		out.Close()
		return gocv.NewMat(), err
	}
	defer dark.Close()

	mask, err := maskToMat(m)
	if err != nil {
		out.Close()
		return gocv.NewMat(), err
	}
	defer mask.Close()

	background := gocv.NewMat()
	defer background.Close()
	gocv.BitwiseNot(mask, &background)
	dark.CopyToWithMask(&out, background)

	if cfg.OutlineWidth > 0 && !m.IsEmpty() {
		points, err := c.processor.TraceContours(m)
		if err != nil {
			out.Close()
			return gocv.NewMat(), err
		}
		contours := gocv.NewPointsVectorFromPoints(points)
		defer contours.Close()

		g := cfg.OutlineGray
		gray := color.RGBA{R: g, G: g, B: g, A: 255}
		gocv.DrawContours(&out, contours, -1, gray, cfg.OutlineWidth)
	}

	return out, nil
}

// RenderExport 将掩码缩放到原图分辨率作为 alpha 通道附加到原图上。
// 硬边缘路径严格二值；软边缘路径保留模糊后的中间透明度。
func (c *Compositor) RenderExport(img gocv.Mat, m *model.Mask) (gocv.Mat, error) {
	if img.Channels() != 3 {
		return gocv.NewMat(), fmt.Errorf("%w: expected 3 channel image, got %d", ErrShapeMismatch, img.Channels())
	}

	var alpha gocv.Mat
	var err error
	if c.processor.Config().SoftEdge {
		alpha, err = c.processor.SoftMatte(m, img.Cols(), img.Rows())
	} else {
		alpha, err = c.processor.HardMatte(m, img.Cols(), img.Rows())
	}
	if err != nil {
		return gocv.NewMat(), err
	}
	defer alpha.Close()

	channels := gocv.Split(img)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()

	layers := make([]gocv.Mat, 0, len(channels)+1)
	layers = append(layers, channels...)
	layers = append(layers, alpha)

	out := gocv.NewMat()
	gocv.Merge(layers, &out)
	return out, nil
}

// darken 按系数压暗并向下取整，ConvertTo 会四舍五入（255*0.5 得 128 而不是 127）
func darken(img gocv.Mat, factor float64) (gocv.Mat, error) {
	data := img.ToBytes()
	for i, v := range data {
		scaled := float64(v) * factor
		switch {
		case scaled <= 0:
			data[i] = 0
		case scaled >= 255:
			data[i] = 255
		default:
			data[i] = uint8(scaled)
		}
	}
	wrapped, err := gocv.NewMatFromBytes(img.Rows(), img.Cols(), img.Type(), data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to wrap darkened image: %w", err)
	}
	defer wrapped.Close()
	return wrapped.Clone(), nil
}
