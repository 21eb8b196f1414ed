package service

import (
	"fmt"
	"image"
	"image/color"

	"github.com/TIANLI0/MaskKit/config"
	"github.com/TIANLI0/MaskKit/model"
	"gocv.io/x/gocv"
)

// GrabCut 标记值
const (
	gcBGD   = 0
	gcFGD   = 1
	gcPRBGD = 2
	gcPRFGD = 3
)

// MaskProcessor 负责掩码代数运算与后处理
type MaskProcessor struct {
	cfg config.MaskConfig
}

func NewMaskProcessor(cfg config.MaskConfig) *MaskProcessor {
	return &MaskProcessor{cfg: cfg}
}

func (mp *MaskProcessor) Config() config.MaskConfig {
	return mp.cfg
}

// Union 逐像素求并集
func (mp *MaskProcessor) Union(a, b *model.Mask) (*model.Mask, error) {
	return mp.combine(a, b, func(x, y gocv.Mat, dst *gocv.Mat) {
		gocv.BitwiseOr(x, y, dst)
	})
}

// Subtract 逐像素求差集 a AND NOT b
func (mp *MaskProcessor) Subtract(a, b *model.Mask) (*model.Mask, error) {
	return mp.combine(a, b, func(x, y gocv.Mat, dst *gocv.Mat) {
		inv := gocv.NewMat()
		defer inv.Close()
		gocv.BitwiseNot(y, &inv)
		gocv.BitwiseAnd(x, inv, dst)
	})
}

func (mp *MaskProcessor) combine(a, b *model.Mask, op func(x, y gocv.Mat, dst *gocv.Mat)) (*model.Mask, error) {
	if !a.SameSize(b) {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrShapeMismatch, a.Width, a.Height, b.Width, b.Height)
	}
	if a.Width == 0 || a.Height == 0 {
		return a.Clone(), nil
	}

	ma, err := maskToMat(a)
	if err != nil {
		return nil, err
	}
	defer ma.Close()
	mb, err := maskToMat(b)
	if err != nil {
		return nil, err
	}
	defer mb.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	op(ma, mb, &dst)

	return matToMask(&dst)
}

// PostProcess 将模型输出的概率掩码处理为二值掩码：
// 量化到 8 位 → 中值去噪（可选）→ 闭运算 → 开运算 → 高斯平滑 → 阈值化
func (mp *MaskProcessor) PostProcess(raw *model.RawMask) (*model.Mask, error) {
	if raw.Width <= 0 || raw.Height <= 0 || len(raw.Data) != raw.Width*raw.Height {
		return nil, fmt.Errorf("%w: raw mask %dx%d with %d values", ErrShapeMismatch, raw.Width, raw.Height, len(raw.Data))
	}

	intensity := make([]byte, len(raw.Data))
	for i, v := range raw.Data {
		switch {
		case v <= 0:
			intensity[i] = 0
		case v >= 1:
			intensity[i] = 255
		default:
			intensity[i] = uint8(v * 255)
		}
	}

	mask, err := gocv.NewMatFromBytes(raw.Height, raw.Width, gocv.MatTypeCV8U, intensity)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap raw mask: %w", err)
	}
	defer mask.Close()

	if k := oddSize(mp.cfg.MedianSize); k >= 3 {
		denoised := gocv.NewMat()
		gocv.MedianBlur(mask, &denoised, k)
		mask.Close()
		mask = denoised
	}

	smoothed := mp.MorphologyOptimize(&mask, mp.cfg.KernelSize)
	defer smoothed.Close()

	blurred := smoothed.Clone()
	defer blurred.Close()
	if k := oddSize(mp.cfg.BlurSize); k >= 3 {
		gocv.GaussianBlur(smoothed, &blurred, image.Point{X: k, Y: k}, 0, 0, gocv.BorderDefault)
	}

	final := gocv.NewMat()
	defer final.Close()
	gocv.Threshold(blurred, &final, mp.cfg.Threshold, 255, gocv.ThresholdBinary)

	if mp.cfg.KeepLargest {
		largest := mp.KeepLargest(&final)
		defer largest.Close()
		return matToMask(&largest)
	}

	return matToMask(&final)
}

// MorphologyOptimize 先闭运算填补小孔，再开运算去除小斑点，使用方形结构元素
func (mp *MaskProcessor) MorphologyOptimize(mask *gocv.Mat, kernelSize int) gocv.Mat {
	if kernelSize < 1 {
		kernelSize = 1
	}
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Point{X: kernelSize, Y: kernelSize})
	defer kernel.Close()

	closed := gocv.NewMat()
	gocv.MorphologyEx(*mask, &closed, gocv.MorphClose, kernel)

	opened := gocv.NewMat()
	gocv.MorphologyEx(closed, &opened, gocv.MorphOpen, kernel)
	closed.Close()

	return opened
}

// TraceContours 提取掩码的外轮廓，忽略内部孔洞
func (mp *MaskProcessor) TraceContours(m *model.Mask) ([][]image.Point, error) {
	if m.IsEmpty() {
		return nil, nil
	}
	mat, err := maskToMat(m)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	contours := gocv.FindContours(mat, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	return contours.ToPoints(), nil
}

// ResizeNearest 最近邻缩放，保持硬边缘
func (mp *MaskProcessor) ResizeNearest(m *model.Mask, width, height int) (*model.Mask, error) {
	if m.Width == width && m.Height == height {
		return m.Clone(), nil
	}
	resized, err := mp.resize(m, width, height, gocv.InterpolationNearestNeighbor)
	if err != nil {
		return nil, err
	}
	defer resized.Close()
	return matToMask(&resized)
}

// ResizeLinear 双线性缩放后按 127 重新二值化，得到更平滑的边缘
func (mp *MaskProcessor) ResizeLinear(m *model.Mask, width, height int) (*model.Mask, error) {
	if m.Width == width && m.Height == height {
		return m.Clone(), nil
	}
	resized, err := mp.resize(m, width, height, gocv.InterpolationLinear)
	if err != nil {
		return nil, err
	}
	defer resized.Close()

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(resized, &binary, 127, 255, gocv.ThresholdBinary)

	return matToMask(&binary)
}

// SoftMatte 生成软边缘 alpha：双线性缩放后高斯模糊，保留中间透明度，不再二值化
func (mp *MaskProcessor) SoftMatte(m *model.Mask, width, height int) (gocv.Mat, error) {
	resized, err := mp.resize(m, width, height, gocv.InterpolationLinear)
	if err != nil {
		return gocv.NewMat(), err
	}
	k := oddSize(mp.cfg.SoftBlurSize)
	if k < 3 {
		return resized, nil
	}
	defer resized.Close()

	matte := gocv.NewMat()
	gocv.GaussianBlur(resized, &matte, image.Point{X: k, Y: k}, 0, 0, gocv.BorderDefault)
	return matte, nil
}

// HardMatte 生成硬边缘 alpha，严格 0/255。默认最近邻缩放，
// 开启 linear_resize 时改为双线性缩放后重新二值化
func (mp *MaskProcessor) HardMatte(m *model.Mask, width, height int) (gocv.Mat, error) {
	resize := mp.ResizeNearest
	if mp.cfg.LinearResize {
		resize = mp.ResizeLinear
	}
	scaled, err := resize(m, width, height)
	if err != nil {
		return gocv.NewMat(), err
	}
	wrapped, err := maskToMat(scaled)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer wrapped.Close()
	return wrapped.Clone(), nil
}

func (mp *MaskProcessor) resize(m *model.Mask, width, height int, interp gocv.InterpolationFlags) (gocv.Mat, error) {
	if width <= 0 || height <= 0 {
		return gocv.NewMat(), fmt.Errorf("%w: target size %dx%d", ErrShapeMismatch, width, height)
	}
	src, err := maskToMat(m)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer src.Close()

	if m.Width == width && m.Height == height {
		return src.Clone(), nil
	}

	dst := gocv.NewMat()
	gocv.Resize(src, &dst, image.Point{X: width, Y: height}, 0, 0, interp)
	return dst, nil
}

// ExtractForeground 从 GrabCut 标记图中提取确定前景与可能前景
func (mp *MaskProcessor) ExtractForeground(mask *gocv.Mat) gocv.Mat {
	fgMask := gocv.NewMat()
	tmp1 := gocv.NewMatFromScalar(gocv.Scalar{Val1: gcFGD}, gocv.MatTypeCV8U)
	defer tmp1.Close()
	gocv.Compare(*mask, tmp1, &fgMask, gocv.CompareEQ)

	fgMaskPr := gocv.NewMat()
	defer fgMaskPr.Close()
	tmp2 := gocv.NewMatFromScalar(gocv.Scalar{Val1: gcPRFGD}, gocv.MatTypeCV8U)
	defer tmp2.Close()
	gocv.Compare(*mask, tmp2, &fgMaskPr, gocv.CompareEQ)

	combined := gocv.NewMat()
	gocv.BitwiseOr(fgMask, fgMaskPr, &combined)
	fgMask.Close()

	return combined
}

// KeepLargest 保留掩码中最大的连通区域
func (mp *MaskProcessor) KeepLargest(mask *gocv.Mat) gocv.Mat {
	contours := gocv.FindContours(*mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	if contours.Size() == 0 {
		return mask.Clone()
	}

	maxArea := 0.0
	maxIndex := 0
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		if area > maxArea {
			maxArea = area
			maxIndex = i
		}
	}

	newMask := gocv.NewMatWithSize(mask.Rows(), mask.Cols(), gocv.MatTypeCV8U)
	newMask.SetTo(gocv.NewScalar(0, 0, 0, 0))
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	gocv.DrawContours(&newMask, contours, maxIndex, white, -1)

	return newMask
}

func maskToMat(m *model.Mask) (gocv.Mat, error) {
	if len(m.Pix) != m.Width*m.Height {
		return gocv.NewMat(), fmt.Errorf("%w: mask %dx%d with %d bytes", ErrShapeMismatch, m.Width, m.Height, len(m.Pix))
	}
	mat, err := gocv.NewMatFromBytes(m.Height, m.Width, gocv.MatTypeCV8U, m.Pix)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to wrap mask: %w", err)
	}
	return mat, nil
}

func matToMask(mat *gocv.Mat) (*model.Mask, error) {
	if mat.Channels() != 1 {
		return nil, fmt.Errorf("%w: expected single channel mask, got %d", ErrShapeMismatch, mat.Channels())
	}
	return model.MaskFromBytes(mat.Cols(), mat.Rows(), mat.ToBytes())
}

// oddSize 将核尺寸规整为奇数，0 或负数表示关闭
func oddSize(k int) int {
	if k <= 0 {
		return 0
	}
	if k%2 == 0 {
		return k + 1
	}
	return k
}
