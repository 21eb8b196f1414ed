package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TIANLI0/MaskKit/config"
	"github.com/TIANLI0/MaskKit/model"
	"github.com/TIANLI0/MaskKit/utils"
	"go.uber.org/zap"
)

// SAMClient 通过 HTTP 调用外部 Segment Anything 推理服务，
// 同时实现 PointPromptModel 与 RegionProposalModel
type SAMClient struct {
	endpoint string
	client   *http.Client
	gate     *inferenceGate
}

func NewSAMClient(cfg *config.ModelConfig) *SAMClient {
	return &SAMClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		gate:     newInferenceGate(cfg.MaxConcurrent, time.Duration(cfg.QueueTimeout)*time.Second),
	}
}

type samImage struct {
	ImageID string `json:"image_id"`
	Image   string `json:"image"`
}

type predictRequest struct {
	samImage
	Points          [][2]int `json:"points"`
	Labels          []int    `json:"labels"`
	MultimaskOutput bool     `json:"multimask_output"`
}

type predictResponse struct {
	Mask  string  `json:"mask"`
	Score float64 `json:"score"`
}

type samRegion struct {
	Segmentation   string  `json:"segmentation"`
	Area           int     `json:"area"`
	BBox           [4]int  `json:"bbox"`
	PredictedIOU   float64 `json:"predicted_iou"`
	StabilityScore float64 `json:"stability_score"`
}

type generateResponse struct {
	Regions []samRegion `json:"regions"`
}

// Predict 提交全部提示点，只取单个最佳掩码
func (c *SAMClient) Predict(ctx context.Context, img *SourceImage, prompts []model.Prompt) (*model.RawMask, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("%w: predict called without prompts", ErrInference)
	}
	payload, err := c.imagePayload(img)
	if err != nil {
		return nil, err
	}

	req := predictRequest{samImage: payload}
	for _, p := range prompts {
		req.Points = append(req.Points, [2]int{p.Point.X, p.Point.Y})
		req.Labels = append(req.Labels, p.Label.ModelValue())
	}

	var resp predictResponse
	if err := c.post(ctx, "/predict", req, &resp); err != nil {
		return nil, err
	}

	raw, err := decodeRawMask(resp.Mask)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if raw.Width != img.WorkingWidth() || raw.Height != img.WorkingHeight() {
		return nil, fmt.Errorf("%w: mask %dx%d does not match image %dx%d",
			ErrInference, raw.Width, raw.Height, img.WorkingWidth(), img.WorkingHeight())
	}

	utils.Logger.Debug("sam predict done",
		zap.String("image_id", img.Hash),
		zap.Int("prompts", len(prompts)),
		zap.Float64("score", resp.Score))

	return raw, nil
}

// Generate 自动生成全部候选区域，保持服务端返回顺序
func (c *SAMClient) Generate(ctx context.Context, img *SourceImage) ([]model.Region, error) {
	payload, err := c.imagePayload(img)
	if err != nil {
		return nil, err
	}

	var resp generateResponse
	if err := c.post(ctx, "/generate", payload, &resp); err != nil {
		return nil, err
	}

	regions := make([]model.Region, 0, len(resp.Regions))
	for i, r := range resp.Regions {
		m, err := decodeMask(r.Segmentation)
		if err != nil {
			return nil, fmt.Errorf("%w: region %d: %v", ErrInference, i, err)
		}
		if m.Width != img.WorkingWidth() || m.Height != img.WorkingHeight() {
			return nil, fmt.Errorf("%w: region %d is %dx%d, image is %dx%d",
				ErrInference, i, m.Width, m.Height, img.WorkingWidth(), img.WorkingHeight())
		}
		region := regionFromMask(m)
		region.PredictedIOU = r.PredictedIOU
		region.StabilityScore = r.StabilityScore
		regions = append(regions, region)
	}

	utils.Logger.Info("sam regions generated",
		zap.String("image_id", img.Hash),
		zap.Int("regions", len(regions)))

	return regions, nil
}

func (c *SAMClient) imagePayload(img *SourceImage) (samImage, error) {
	data, err := img.WorkingPNG()
	if err != nil {
		return samImage{}, fmt.Errorf("%w: %v", ErrInference, err)
	}
	return samImage{
		ImageID: img.Hash,
		Image:   base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (c *SAMClient) post(ctx context.Context, path string, body, out any) error {
	release, err := c.gate.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s returned %d - %s", ErrInference, path, resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response body: %v", ErrInference, err)
	}
	return nil
}
