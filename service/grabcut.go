package service

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/TIANLI0/MaskKit/config"
	"github.com/TIANLI0/MaskKit/model"
	"github.com/TIANLI0/MaskKit/utils"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// GrabCutPointModel 本地提示点分割：以提示点为种子运行 GrabCut，
// 无需外部推理服务
type GrabCutPointModel struct {
	iterations         int
	seedRadius         int
	gate               *inferenceGate
	complexityAnalyzer *ComplexityAnalyzer
	maskProcessor      *MaskProcessor
}

func NewGrabCutPointModel(cfg *config.ModelConfig, gate *inferenceGate) *GrabCutPointModel {
	return &GrabCutPointModel{
		iterations:         max(1, cfg.Iterations),
		seedRadius:         max(1, cfg.SeedRadius),
		gate:               gate,
		complexityAnalyzer: NewComplexityAnalyzer(),
		maskProcessor:      NewMaskProcessor(config.DefaultMask()),
	}
}

// Predict 前景提示点画为确定前景圆盘，背景提示点画为确定背景圆盘，
// 前景点外接框（外扩 1/4）内为可能前景，其余为可能背景
func (g *GrabCutPointModel) Predict(ctx context.Context, img *SourceImage, prompts []model.Prompt) (*model.RawMask, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("%w: predict called without prompts", ErrInference)
	}

	width, height := img.WorkingWidth(), img.WorkingHeight()
	raw := model.NewRawMask(width, height)

	var fgBox image.Rectangle
	hasForeground := false
	for _, p := range prompts {
		if p.Point.X < 0 || p.Point.X >= width || p.Point.Y < 0 || p.Point.Y >= height {
			return nil, fmt.Errorf("%w: prompt (%d,%d) outside %dx%d", ErrInference, p.Point.X, p.Point.Y, width, height)
		}
		if p.Label != model.Foreground {
			continue
		}
		pr := image.Rect(p.Point.X, p.Point.Y, p.Point.X+1, p.Point.Y+1)
		if !hasForeground {
			fgBox = pr
		} else {
			fgBox = fgBox.Union(pr)
		}
		hasForeground = true
	}
	// 只有背景点时没有前景样本，直接返回空掩码
	if !hasForeground {
		return raw, nil
	}

	release, err := g.gate.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	startTime := time.Now()
	complexity := g.complexityAnalyzer.Analyze(&img.Working)
	iterations := complexity.Iterations(g.iterations)

	mask := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8U)
	defer mask.Close()
	mask.SetTo(gocv.NewScalar(gcPRBGD, 0, 0, 0))

	padX, padY := max(g.seedRadius, width/4), max(g.seedRadius, height/4)
	probable := image.Rect(fgBox.Min.X-padX, fgBox.Min.Y-padY, fgBox.Max.X+padX, fgBox.Max.Y+padY).
		Intersect(image.Rect(0, 0, width, height))
	// 保留一圈可能背景，保证背景模型有样本
	if width > 2 && height > 2 {
		probable = probable.Intersect(image.Rect(1, 1, width-1, height-1))
	}
	gocv.Rectangle(&mask, probable, color.RGBA{B: gcPRFGD}, -1)

	for _, p := range prompts {
		value := uint8(gcBGD)
		if p.Label == model.Foreground {
			value = gcFGD
		}
		gocv.Circle(&mask, image.Point{X: p.Point.X, Y: p.Point.Y}, g.seedRadius, color.RGBA{B: value}, -1)
	}

	bgdModel := gocv.NewMat()
	defer bgdModel.Close()
	fgdModel := gocv.NewMat()
	defer fgdModel.Close()

	gocv.GrabCut(img.Working, &mask, image.Rectangle{}, &bgdModel, &fgdModel, iterations, gocv.GCInitWithMask)

	fgMask := g.maskProcessor.ExtractForeground(&mask)
	defer fgMask.Close()

	for i, v := range fgMask.ToBytes() {
		if v != 0 {
			raw.Data[i] = 1
		}
	}

	utils.Logger.Debug("grabcut predict done",
		zap.String("image_id", img.Hash),
		zap.Int("prompts", len(prompts)),
		zap.Int("iterations", iterations),
		zap.String("complexity", string(complexity.Level)),
		zap.Duration("duration", time.Since(startTime)))

	return raw, nil
}
