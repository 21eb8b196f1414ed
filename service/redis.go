package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/TIANLI0/MaskKit/config"
	"github.com/TIANLI0/MaskKit/model"
	"github.com/TIANLI0/MaskKit/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisService struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisService(cfg *config.RedisConfig) *RedisService {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisService{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (s *RedisService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type cachedRegion struct {
	Mask           string     `json:"mask"` // base64编码的PNG掩码
	Area           int        `json:"area"`
	BoundingBox    model.BBox `json:"bbox"`
	PredictedIOU   float64    `json:"predicted_iou"`
	StabilityScore float64    `json:"stability_score"`
}

type cachedRegions struct {
	Width   int            `json:"width"`
	Height  int            `json:"height"`
	Regions []cachedRegion `json:"regions"`
	Created int64          `json:"created"`
}

func regionKey(hash string) string {
	return "regions:" + hash
}

// GetRegions 从缓存获取候选区域，未命中时返回 nil, false
func (s *RedisService) GetRegions(ctx context.Context, hash string, width, height int) ([]model.Region, bool, error) {
	data, err := s.client.Get(ctx, regionKey(hash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil // 缓存未命中
		}
		return nil, false, err
	}

	var cached cachedRegions
	if err := json.Unmarshal(data, &cached); err != nil {
		utils.Logger.Error("failed to unmarshal cached regions",
			zap.String("hash", hash), zap.Error(err))
		return nil, false, err
	}
	if cached.Width != width || cached.Height != height {
		return nil, false, nil
	}

	regions := make([]model.Region, 0, len(cached.Regions))
	for _, c := range cached.Regions {
		m, err := decodeMask(c.Mask)
		if err != nil {
			return nil, false, err
		}
		if m.Width != width || m.Height != height {
			return nil, false, nil
		}
		regions = append(regions, model.Region{
			Mask:           m,
			Area:           c.Area,
			BoundingBox:    c.BoundingBox,
			PredictedIOU:   c.PredictedIOU,
			StabilityScore: c.StabilityScore,
		})
	}
	return regions, true, nil
}

// SetRegions 将候选区域写入缓存
func (s *RedisService) SetRegions(ctx context.Context, hash string, width, height int, regions []model.Region) error {
	cached := cachedRegions{
		Width:   width,
		Height:  height,
		Regions: make([]cachedRegion, 0, len(regions)),
		Created: time.Now().Unix(),
	}
	for _, r := range regions {
		encoded, err := encodeMask(r.Mask)
		if err != nil {
			return err
		}
		cached.Regions = append(cached.Regions, cachedRegion{
			Mask:           encoded,
			Area:           r.Area,
			BoundingBox:    r.BoundingBox,
			PredictedIOU:   r.PredictedIOU,
			StabilityScore: r.StabilityScore,
		})
	}

	data, err := json.Marshal(cached)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, regionKey(hash), data, s.ttl).Err()
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

// CachedRegionModel 在任意 RegionProposalModel 前加一层 Redis 缓存，
// 同一张图片重复上传时跳过耗时的区域生成
type CachedRegionModel struct {
	next  RegionProposalModel
	redis *RedisService
}

func NewCachedRegionModel(next RegionProposalModel, redis *RedisService) *CachedRegionModel {
	return &CachedRegionModel{next: next, redis: redis}
}

func (m *CachedRegionModel) Generate(ctx context.Context, img *SourceImage) ([]model.Region, error) {
	w, h := img.WorkingWidth(), img.WorkingHeight()

	regions, hit, err := m.redis.GetRegions(ctx, img.Hash, w, h)
	if err != nil {
		utils.Logger.Warn("failed to get cache", zap.Error(err))
	}
	if hit {
		utils.Logger.Info("cache hit", zap.String("hash", img.Hash), zap.Int("regions", len(regions)))
		return regions, nil
	}

	regions, err = m.next.Generate(ctx, img)
	if err != nil {
		return nil, err
	}

	if err := m.redis.SetRegions(ctx, img.Hash, w, h, regions); err != nil {
		utils.Logger.Warn("failed to set cache", zap.Error(err))
	}
	return regions, nil
}
