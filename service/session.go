package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/TIANLI0/MaskKit/model"
	"gocv.io/x/gocv"
)

// SelectionSession 单张图片的交互式选区状态。
// 选区掩码作为不可变值对待：每次修改都生成新掩码，历史栈中的快照不会再被改写。
// 该类型本身不做并发控制，由 SessionManager 负责互斥。
type SelectionSession struct {
	id         string
	generation uint64
	mode       model.SelectionMode

	image   *SourceImage
	regions []model.Region
	prompts []model.Prompt
	mask    *model.Mask

	// 区域模式：修改前的掩码快照；提示点模式：修改前的提示点数量
	maskHistory   []*model.Mask
	promptHistory []int

	revision uint64

	processor  *MaskProcessor
	compositor *Compositor
	pointModel PointPromptModel
}

func NewSelectionSession(mode model.SelectionMode, processor *MaskProcessor, pointModel PointPromptModel) *SelectionSession {
	return &SelectionSession{
		mode:       mode,
		processor:  processor,
		compositor: NewCompositor(processor),
		pointModel: pointModel,
	}
}

func (s *SelectionSession) Mode() model.SelectionMode { return s.mode }
func (s *SelectionSession) ID() string                { return s.id }
func (s *SelectionSession) Generation() uint64        { return s.generation }
func (s *SelectionSession) Revision() uint64          { return s.revision }
func (s *SelectionSession) Image() *SourceImage       { return s.image }

// State 返回状态机当前状态
func (s *SelectionSession) State() model.SessionState {
	switch {
	case s.image == nil:
		return model.StateEmpty
	case s.mask.IsEmpty():
		return model.StateReady
	default:
		return model.StateSelecting
	}
}

// Mask 返回当前选区的副本
func (s *SelectionSession) Mask() *model.Mask {
	if s.mask == nil {
		return nil
	}
	return s.mask.Clone()
}

// Prompts 返回当前提示点序列的副本
func (s *SelectionSession) Prompts() []model.Prompt {
	out := make([]model.Prompt, len(s.prompts))
	copy(out, s.prompts)
	return out
}

// Regions 返回候选区域列表的副本；区域掩码本身不可变，调用方不得修改
func (s *SelectionSession) Regions() []model.Region {
	out := make([]model.Region, len(s.regions))
	copy(out, s.regions)
	return out
}

// HistoryLen 历史栈深度，等于 reset 以来的有效修改次数
func (s *SelectionSession) HistoryLen() int {
	if s.mode == model.PointMode {
		return len(s.promptHistory)
	}
	return len(s.maskHistory)
}

// Reset 替换图片并清空全部交互状态，返回被替换的旧图片供调用方释放。
// 区域模式下 regions 为该图片生成的候选区域；提示点模式下忽略。
func (s *SelectionSession) Reset(id string, generation uint64, img *SourceImage, regions []model.Region) (*SourceImage, error) {
	w, h := img.WorkingWidth(), img.WorkingHeight()
	if s.mode == model.RegionMode {
		for i, r := range regions {
			if r.Mask == nil || r.Mask.Width != w || r.Mask.Height != h {
				return nil, fmt.Errorf("%w: region %d does not match %dx%d", ErrShapeMismatch, i, w, h)
			}
		}
	} else {
		regions = nil
	}

	old := s.image
	s.id = id
	s.generation = generation
	s.image = img
	s.regions = regions
	s.prompts = nil
	s.mask = model.NewMask(w, h)
	s.maskHistory = nil
	s.promptHistory = nil
	s.revision++
	return old, nil
}

// ClickPoint 提示点模式：追加提示点并基于完整提示序列重新预测选区
func (s *SelectionSession) ClickPoint(ctx context.Context, p model.Point, label model.Label) error {
	if err := s.checkClick(model.PointMode, p); err != nil {
		return err
	}

	prompts := make([]model.Prompt, len(s.prompts), len(s.prompts)+1)
	copy(prompts, s.prompts)
	prompts = append(prompts, model.Prompt{Point: p, Label: label})

	mask, err := s.predict(ctx, prompts)
	if err != nil {
		return err
	}

	s.promptHistory = append(s.promptHistory, len(s.prompts))
	s.prompts = prompts
	s.mask = mask
	s.revision++
	return nil
}

// ClickRegion 区域模式：按生成顺序找到第一个包含该点的区域，选中或取消选中。
// 没有命中任何区域时不修改选区，也不记录历史，返回 false。
func (s *SelectionSession) ClickRegion(p model.Point, mode model.SelectMode) (bool, error) {
	if err := s.checkClick(model.RegionMode, p); err != nil {
		return false, err
	}

	region := s.findRegion(p)
	if region == nil {
		return false, nil
	}

	var next *model.Mask
	var err error
	switch mode {
	case model.Select:
		next, err = s.processor.Union(s.mask, region.Mask)
	case model.Unselect:
		next, err = s.processor.Subtract(s.mask, region.Mask)
	default:
		return false, fmt.Errorf("unknown select mode %d", mode)
	}
	if err != nil {
		return false, err
	}

	s.maskHistory = append(s.maskHistory, s.mask)
	s.mask = next
	s.revision++
	return true, nil
}

// Undo 撤销最近一次有效修改。提示点模式截断提示序列后重新预测，
// 区域模式直接恢复快照。失败时状态不变。
func (s *SelectionSession) Undo(ctx context.Context) error {
	if s.image == nil {
		return ErrNoImageLoaded
	}

	if s.mode == model.PointMode {
		if len(s.promptHistory) == 0 {
			return ErrNothingToUndo
		}
		n := s.promptHistory[len(s.promptHistory)-1]
		prompts := s.prompts[:n:n]

		var mask *model.Mask
		if n == 0 {
			mask = model.NewMask(s.image.WorkingWidth(), s.image.WorkingHeight())
		} else {
			var err error
			if mask, err = s.predict(ctx, prompts); err != nil {
				return err
			}
		}

		s.promptHistory = s.promptHistory[:len(s.promptHistory)-1]
		s.prompts = prompts
		s.mask = mask
		s.revision++
		return nil
	}

	if len(s.maskHistory) == 0 {
		return ErrNothingToUndo
	}
	last := len(s.maskHistory) - 1
	s.mask = s.maskHistory[last]
	s.maskHistory[last] = nil
	s.maskHistory = s.maskHistory[:last]
	s.revision++
	return nil
}

// RenderPreview 工作分辨率预览图
func (s *SelectionSession) RenderPreview() (gocv.Mat, error) {
	if s.image == nil {
		return gocv.NewMat(), ErrNoImageLoaded
	}
	return s.compositor.RenderPreview(s.image.Working, s.mask)
}

// RenderExport 原始分辨率带 alpha 通道的导出图
func (s *SelectionSession) RenderExport() (gocv.Mat, error) {
	if s.image == nil {
		return gocv.NewMat(), ErrNoImageLoaded
	}
	return s.compositor.RenderExport(s.image.Original, s.mask)
}

// Info 会话快照
func (s *SelectionSession) Info() *model.SessionInfo {
	info := &model.SessionInfo{
		SessionID: s.id,
		State:     s.State(),
		Mode:      s.mode,
		Regions:   len(s.regions),
		History:   s.HistoryLen(),
		Revision:  s.revision,
	}
	if s.mode == model.PointMode {
		info.Prompts = s.Prompts()
	}
	if s.image != nil {
		info.Width, info.Height = s.image.Width(), s.image.Height()
		info.WorkingWidth, info.WorkingHeight = s.image.WorkingWidth(), s.image.WorkingHeight()
		info.Selected = s.mask.Count()
		info.Selection = s.mask.BoundingBox()
	}
	return info
}

// Close 释放当前图片
func (s *SelectionSession) Close() {
	if s.image != nil {
		s.image.Close()
		s.image = nil
	}
}

func (s *SelectionSession) checkClick(mode model.SelectionMode, p model.Point) error {
	if s.image == nil {
		return ErrNoImageLoaded
	}
	if s.mode != mode {
		return fmt.Errorf("%w: session is in %s mode", ErrModeUnsupported, s.mode)
	}
	if !s.mask.In(p) {
		return fmt.Errorf("%w: (%d,%d) outside %dx%d", ErrInvalidPoint, p.X, p.Y, s.mask.Width, s.mask.Height)
	}
	return nil
}

func (s *SelectionSession) findRegion(p model.Point) *model.Region {
	for i := range s.regions {
		if s.regions[i].Mask.At(p.X, p.Y) {
			return &s.regions[i]
		}
	}
	return nil
}

func (s *SelectionSession) predict(ctx context.Context, prompts []model.Prompt) (*model.Mask, error) {
	if s.pointModel == nil {
		return nil, fmt.Errorf("%w: no point prompt model configured", ErrInference)
	}
	raw, err := s.pointModel.Predict(ctx, s.image, prompts)
	if err != nil {
		if errors.Is(err, ErrInference) || errors.Is(err, ErrQueueTimeout) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if raw.Width != s.image.WorkingWidth() || raw.Height != s.image.WorkingHeight() {
		return nil, fmt.Errorf("%w: model returned %dx%d for %dx%d image",
			ErrShapeMismatch, raw.Width, raw.Height, s.image.WorkingWidth(), s.image.WorkingHeight())
	}
	return s.processor.PostProcess(raw)
}
