package service

import (
	"image"

	"gocv.io/x/gocv"
)

// PortraitDetector 基于 YCrCb 肤色范围判断图像是否为人像
type PortraitDetector struct {
	skinRatio float64
}

func NewPortraitDetector() *PortraitDetector {
	return &PortraitDetector{skinRatio: 0.15}
}

// DetectSkin 检测图像中的皮肤区域
func (pd *PortraitDetector) DetectSkin(img *gocv.Mat) gocv.Mat {
	ycrcb := gocv.NewMat()
	defer ycrcb.Close()
	gocv.CvtColor(*img, &ycrcb, gocv.ColorBGRToYCrCb)

	lower := gocv.Scalar{Val1: 0, Val2: 133, Val3: 77, Val4: 0}
	upper := gocv.Scalar{Val1: 255, Val2: 173, Val3: 127, Val4: 255}

	skinMask := gocv.NewMat()
	gocv.InRangeWithScalar(ycrcb, lower, upper, &skinMask)

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: 5, Y: 5})
	defer kernel.Close()

	gocv.MorphologyEx(skinMask, &skinMask, gocv.MorphClose, kernel)
	gocv.MorphologyEx(skinMask, &skinMask, gocv.MorphOpen, kernel)

	return skinMask
}

func (pd *PortraitDetector) IsPortrait(img *gocv.Mat) bool {
	skinMask := pd.DetectSkin(img)
	defer skinMask.Close()

	totalPixels := float64(img.Rows() * img.Cols())
	if totalPixels == 0 {
		return false
	}
	skinPixels := float64(gocv.CountNonZero(skinMask))

	return skinPixels/totalPixels > pd.skinRatio
}
