package service

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/TIANLI0/MaskKit/config"
	"github.com/TIANLI0/MaskKit/model"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func newProcessor() *MaskProcessor {
	return NewMaskProcessor(config.DefaultMask())
}

// solidMat 创建单色 BGR 图像
func solidMat(w, h int, v float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, 0), h, w, gocv.MatTypeCV8UC3)
}

func newSource(w, h int, v float64) *SourceImage {
	return NewSourceImage(solidMat(w, h, v), 0)
}

func encodedImage(t *testing.T, w, h int, v float64) []byte {
	t.Helper()
	mat := solidMat(w, h, v)
	defer mat.Close()
	data, err := EncodePNG(mat)
	require.NoError(t, err)
	return data
}

func rectMask(w, h int, r image.Rectangle) *model.Mask {
	m := model.NewMask(w, h)
	m.FillRect(r, true)
	return m
}

// fakePointModel 每个前景点周围 21x21 方块置 1，背景点周围置 0
type fakePointModel struct {
	mu    sync.Mutex
	calls int
	last  []model.Prompt
	err   error
}

func (f *fakePointModel) Predict(_ context.Context, img *SourceImage, prompts []model.Prompt) (*model.RawMask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = append([]model.Prompt(nil), prompts...)
	if f.err != nil {
		return nil, f.err
	}
	if len(prompts) == 0 {
		return nil, errors.New("predict called without prompts")
	}

	raw := model.NewRawMask(img.WorkingWidth(), img.WorkingHeight())
	for _, p := range prompts {
		var v float32
		if p.Label == model.Foreground {
			v = 1
		}
		for y := max(0, p.Point.Y-10); y <= min(raw.Height-1, p.Point.Y+10); y++ {
			for x := max(0, p.Point.X-10); x <= min(raw.Width-1, p.Point.X+10); x++ {
				raw.Set(x, y, v)
			}
		}
	}
	return raw, nil
}

func (f *fakePointModel) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRegionModel 按图像尺寸生成区域
type fakeRegionModel struct {
	mu    sync.Mutex
	calls int
	build func(w, h int) []model.Region
	err   error
}

func (f *fakeRegionModel) Generate(_ context.Context, img *SourceImage) ([]model.Region, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.build(img.WorkingWidth(), img.WorkingHeight()), nil
}

func (f *fakeRegionModel) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// topHalfRegions 一个覆盖上半部分的区域
func topHalfRegions(w, h int) []model.Region {
	return []model.Region{regionFromMask(rectMask(w, h, image.Rect(0, 0, w, h/2)))}
}
