package service

import (
	"gocv.io/x/gocv"
)

// SceneLevel 场景复杂度等级
type SceneLevel string

const (
	SceneSimple   SceneLevel = "simple"
	SceneMedium   SceneLevel = "medium"
	SceneComplex  SceneLevel = "complex"
	ScenePortrait SceneLevel = "portrait"
)

// ComplexityAnalyzer 负责分析图像的复杂度，用于决定本地分割的迭代次数
type ComplexityAnalyzer struct {
	portraitDetector *PortraitDetector
}

type ComplexityInfo struct {
	Level         SceneLevel
	EdgeDensity   float64
	ColorVariance float64
	IsPortrait    bool
}

func NewComplexityAnalyzer() *ComplexityAnalyzer {
	return &ComplexityAnalyzer{
		portraitDetector: NewPortraitDetector(),
	}
}

// Analyze 分析图像的复杂度
func (ca *ComplexityAnalyzer) Analyze(img *gocv.Mat) ComplexityInfo {
	edgeDensity := ca.calculateEdgeDensity(img)
	colorVariance := ca.calculateColorVariance(img)
	isPortrait := ca.portraitDetector.IsPortrait(img)

	var level SceneLevel
	switch {
	case isPortrait:
		level = ScenePortrait
	case edgeDensity < 0.05 && colorVariance < 30:
		level = SceneSimple
	case edgeDensity > 0.15 || colorVariance > 60:
		level = SceneComplex
	default:
		level = SceneMedium
	}

	return ComplexityInfo{
		Level:         level,
		EdgeDensity:   edgeDensity,
		ColorVariance: colorVariance,
		IsPortrait:    isPortrait,
	}
}

// Iterations 按复杂度调整 GrabCut 迭代次数
func (info ComplexityInfo) Iterations(base int) int {
	switch info.Level {
	case SceneSimple:
		return max(3, base-2)
	case ScenePortrait:
		return base + 1
	case SceneComplex:
		return base + 2
	}
	return base
}

// calculateEdgeDensity 计算图像的边缘密度
func (ca *ComplexityAnalyzer) calculateEdgeDensity(img *gocv.Mat) float64 {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(*img, &gray, gocv.ColorBGRToGray)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, 50, 150)

	edgePixels := float64(gocv.CountNonZero(edges))
	totalPixels := float64(img.Rows() * img.Cols())

	return edgePixels / totalPixels
}

// calculateColorVariance 计算 Lab 空间各通道标准差的均值
func (ca *ComplexityAnalyzer) calculateColorVariance(img *gocv.Mat) float64 {
	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(*img, &lab, gocv.ColorBGRToLab)

	mean := gocv.NewMat()
	stddev := gocv.NewMat()
	defer mean.Close()
	defer stddev.Close()
	gocv.MeanStdDev(lab, &mean, &stddev)

	variance := 0.0
	for i := 0; i < stddev.Rows(); i++ {
		variance += stddev.GetDoubleAt(i, 0)
	}

	return variance / float64(stddev.Rows())
}
