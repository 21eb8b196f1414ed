package service

import (
	"context"
	"image"
	"image/color"
	"sort"

	"github.com/TIANLI0/MaskKit/model"
	"github.com/TIANLI0/MaskKit/utils"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// SaliencyDetector 负责检测图像的显著性区域
type SaliencyDetector struct{}

func NewSaliencyDetector() *SaliencyDetector {
	return &SaliencyDetector{}
}

// Detect 计算图像的显著性图（Sobel 梯度 + 高斯平滑 + Otsu 阈值）
func (sd *SaliencyDetector) Detect(img *gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(*img, &gray, gocv.ColorBGRToGray)

	gradX := gocv.NewMat()
	gradY := gocv.NewMat()
	defer gradX.Close()
	defer gradY.Close()

	gocv.Sobel(gray, &gradX, gocv.MatTypeCV16S, 1, 0, 3, 1, 0, gocv.BorderDefault)
	gocv.Sobel(gray, &gradY, gocv.MatTypeCV16S, 0, 1, 3, 1, 0, gocv.BorderDefault)

	absGradX := gocv.NewMat()
	absGradY := gocv.NewMat()
	defer absGradX.Close()
	defer absGradY.Close()

	gocv.ConvertScaleAbs(gradX, &absGradX, 1, 0)
	gocv.ConvertScaleAbs(gradY, &absGradY, 1, 0)

	gradient := gocv.NewMat()
	defer gradient.Close()
	gocv.AddWeighted(absGradX, 0.5, absGradY, 0.5, 0, &gradient)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gradient, &blurred, image.Point{X: 21, Y: 21}, 0, 0, gocv.BorderDefault)

	saliency := gocv.NewMat()
	gocv.Threshold(blurred, &saliency, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)

	return saliency
}

// SaliencyRegionModel 本地候选区域生成：显著性图的每个外轮廓填充后作为一个区域，
// 按面积从大到小排列
type SaliencyRegionModel struct {
	detector *SaliencyDetector
	gate     *inferenceGate
	// minAreaRatio 小于该面积占比的区域被丢弃
	minAreaRatio float64
}

func NewSaliencyRegionModel(gate *inferenceGate) *SaliencyRegionModel {
	return &SaliencyRegionModel{
		detector:     NewSaliencyDetector(),
		gate:         gate,
		minAreaRatio: 0.001,
	}
}

func (m *SaliencyRegionModel) Generate(ctx context.Context, img *SourceImage) ([]model.Region, error) {
	release, err := m.gate.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	width, height := img.WorkingWidth(), img.WorkingHeight()

	saliency := m.detector.Detect(&img.Working)
	defer saliency.Close()

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: 11, Y: 11})
	defer kernel.Close()

	dilated := gocv.NewMat()
	defer dilated.Close()
	gocv.Dilate(saliency, &dilated, kernel)

	contours := gocv.FindContours(dilated, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	minArea := m.minAreaRatio * float64(width*height)
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}

	regions := make([]model.Region, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		if gocv.ContourArea(contours.At(i)) < minArea {
			continue
		}

		canvas := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8U)
		canvas.SetTo(gocv.NewScalar(0, 0, 0, 0))
		gocv.DrawContours(&canvas, contours, i, white, -1)
		mask, err := matToMask(&canvas)
		canvas.Close()
		if err != nil {
			return nil, err
		}
		regions = append(regions, regionFromMask(mask))
	}

	sort.SliceStable(regions, func(i, j int) bool {
		return regions[i].Area > regions[j].Area
	})

	utils.Logger.Info("saliency regions generated",
		zap.String("image_id", img.Hash),
		zap.Int("regions", len(regions)))

	return regions, nil
}
