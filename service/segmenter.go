package service

import (
	"context"
	"time"

	"github.com/TIANLI0/MaskKit/model"
)

// PointPromptModel 基于提示点的分割模型。prompts 至少包含一个元素，
// 返回工作分辨率下的单个最佳概率掩码。
type PointPromptModel interface {
	Predict(ctx context.Context, img *SourceImage, prompts []model.Prompt) (*model.RawMask, error)
}

// RegionProposalModel 自动生成候选区域的分割模型，每张图片只调用一次，
// 返回顺序即生成顺序，可以为空。
type RegionProposalModel interface {
	Generate(ctx context.Context, img *SourceImage) ([]model.Region, error)
}

// inferenceGate 限制并发推理数量，排队超时则放弃
type inferenceGate struct {
	semaphore    chan struct{}
	queueTimeout time.Duration
}

func newInferenceGate(maxConcurrent int, queueTimeout time.Duration) *inferenceGate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &inferenceGate{
		semaphore:    make(chan struct{}, maxConcurrent),
		queueTimeout: queueTimeout,
	}
}

// acquire 获取推理槽位，返回的函数用于释放
func (g *inferenceGate) acquire(ctx context.Context) (func(), error) {
	if g.queueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.queueTimeout)
		defer cancel()
	}

	select {
	case g.semaphore <- struct{}{}:
		return func() { <-g.semaphore }, nil
	case <-ctx.Done():
		return nil, ErrQueueTimeout
	}
}

// regionFromMask 由掩码构造区域，并补全面积与外接框
func regionFromMask(m *model.Mask) model.Region {
	return model.Region{
		Mask:        m,
		Area:        m.Count(),
		BoundingBox: m.BoundingBox(),
	}
}
