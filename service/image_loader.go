package service

import (
	"fmt"
	"image"
	"sync"

	"github.com/TIANLI0/MaskKit/utils"
	"gocv.io/x/gocv"
)

// SourceImage 一次上传对应的图像：原始分辨率与工作分辨率（模型输入）两份 BGR 数据
type SourceImage struct {
	Original gocv.Mat
	Working  gocv.Mat
	Hash     string
	Scale    float64

	pngOnce sync.Once
	png     []byte
	pngErr  error
}

// LoadImage 解码上传的图片字节并缩放到工作分辨率
func LoadImage(data []byte, workingSide int) (*SourceImage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if img.Empty() {
		img.Close()
		return nil, fmt.Errorf("%w: unsupported or corrupt image", ErrDecode)
	}
	return NewSourceImage(img, workingSide), nil
}

// NewSourceImage 接管已解码的图像，调用方不应再关闭 img
func NewSourceImage(img gocv.Mat, workingSide int) *SourceImage {
	working, scale := smartResize(&img, workingSide)
	return &SourceImage{
		Original: img,
		Working:  working,
		Hash:     utils.BytesMD5(working.ToBytes()),
		Scale:    scale,
	}
}

func (s *SourceImage) Width() int         { return s.Original.Cols() }
func (s *SourceImage) Height() int        { return s.Original.Rows() }
func (s *SourceImage) WorkingWidth() int  { return s.Working.Cols() }
func (s *SourceImage) WorkingHeight() int { return s.Working.Rows() }

// WorkingPNG 工作分辨率图像的 PNG 编码，仅计算一次
func (s *SourceImage) WorkingPNG() ([]byte, error) {
	s.pngOnce.Do(func() {
		s.png, s.pngErr = EncodePNG(s.Working)
	})
	return s.png, s.pngErr
}

func (s *SourceImage) Close() {
	s.Working.Close()
	s.Original.Close()
}

// smartResize 按长边缩放到不超过 maxSize，返回缩放后的副本与缩放比例
func smartResize(img *gocv.Mat, maxSize int) (gocv.Mat, float64) {
	width := img.Cols()
	height := img.Rows()
	maxDim := max(width, height)
	if maxSize <= 0 || maxDim <= maxSize {
		return img.Clone(), 1.0
	}

	scale := float64(maxSize) / float64(maxDim)
	newWidth := max(1, int(float64(width)*scale+0.5))
	newHeight := max(1, int(float64(height)*scale+0.5))

	resized := gocv.NewMat()
	gocv.Resize(*img, &resized, image.Point{X: newWidth, Y: newHeight}, 0, 0, gocv.InterpolationArea)

	return resized, scale
}
