package service

import (
	"fmt"
	"time"

	"github.com/TIANLI0/MaskKit/config"
	"github.com/TIANLI0/MaskKit/model"
)

// Backends 按配置选出的分割模型实现
type Backends struct {
	Point  PointPromptModel
	Region RegionProposalModel
}

// NewBackends 根据 model.backend 构造分割模型；redis 非空时为区域生成加缓存
func NewBackends(cfg *config.ModelConfig, redis *RedisService) (*Backends, error) {
	var b Backends
	switch cfg.Backend {
	case config.BackendSAM:
		client := NewSAMClient(cfg)
		b.Point, b.Region = client, client
	case config.BackendLocal:
		gate := newInferenceGate(cfg.MaxConcurrent, time.Duration(cfg.QueueTimeout)*time.Second)
		b.Point = NewGrabCutPointModel(cfg, gate)
		b.Region = NewSaliencyRegionModel(gate)
	default:
		return nil, fmt.Errorf("unknown model backend %q", cfg.Backend)
	}

	if redis != nil {
		b.Region = NewCachedRegionModel(b.Region, redis)
	}
	return &b, nil
}

// NewManagerFromConfig 按配置组装会话管理器
func NewManagerFromConfig(cfg *config.Config, backends *Backends) (*SessionManager, error) {
	return NewSessionManager(ManagerOptions{
		Mode:           model.SelectionMode(cfg.Session.Mode),
		WorkingSide:    cfg.Session.WorkingSide,
		RenderCacheTTL: cfg.Session.RenderCacheTTL,
		Processor:      NewMaskProcessor(cfg.Mask),
		PointModel:     backends.Point,
		RegionModel:    backends.Region,
	})
}
