package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TIANLI0/MaskKit/model"
	"github.com/TIANLI0/MaskKit/utils"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// ClickInput 一次点击。区域模式使用 Mode，提示点模式使用 Label。
type ClickInput struct {
	Point model.Point
	Mode  model.SelectMode
	Label model.Label
}

// ClickResult 点击或撤销后的结果
type ClickResult struct {
	Preview []byte
	Info    *model.SessionInfo
	// Matched 区域模式下是否命中区域
	Matched bool
}

// SessionManager 持有唯一的活动会话：修改操作互斥执行，渲染查询可并发。
// 每次上传领取递增的代号，只有最新代号的区域生成结果会被采纳。
type SessionManager struct {
	mu      sync.RWMutex
	session *SelectionSession

	latest      atomic.Uint64
	workingSide int
	regionModel RegionProposalModel
	renders     *cache.Cache

	decode func(data []byte, workingSide int) (*SourceImage, error)
	encode func(mat gocv.Mat) ([]byte, error)
}

type ManagerOptions struct {
	Mode           model.SelectionMode
	WorkingSide    int
	RenderCacheTTL time.Duration
	Processor      *MaskProcessor
	PointModel     PointPromptModel
	RegionModel    RegionProposalModel
}

func NewSessionManager(opts ManagerOptions) (*SessionManager, error) {
	switch opts.Mode {
	case model.RegionMode:
		if opts.RegionModel == nil {
			return nil, fmt.Errorf("region mode requires a region proposal model")
		}
	case model.PointMode:
		if opts.PointModel == nil {
			return nil, fmt.Errorf("point mode requires a point prompt model")
		}
	default:
		return nil, fmt.Errorf("unknown selection mode %q", opts.Mode)
	}

	ttl := opts.RenderCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &SessionManager{
		session:     NewSelectionSession(opts.Mode, opts.Processor, opts.PointModel),
		workingSide: opts.WorkingSide,
		regionModel: opts.RegionModel,
		renders:     cache.New(ttl, 2*ttl),
		decode:      LoadImage,
		encode:      EncodePNG,
	}, nil
}

func (m *SessionManager) Mode() model.SelectionMode {
	return m.session.Mode()
}

// Reset 解码新图片并替换当前会话。代号在解码前领取，按到达顺序排列；
// 解码与区域生成在锁外进行，若期间有更新的上传到达，本次结果被丢弃并返回 ErrSuperseded。
func (m *SessionManager) Reset(ctx context.Context, data []byte) (*model.SessionInfo, error) {
	startTime := time.Now()
	generation := m.latest.Add(1)

	img, err := m.decode(data, m.workingSide)
	if err != nil {
		return nil, err
	}

	var regions []model.Region
	if m.session.Mode() == model.RegionMode {
		regions, err = m.regionModel.Generate(ctx, img)
		if err != nil {
			img.Close()
			return nil, fmt.Errorf("region generation failed: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if generation != m.latest.Load() {
		img.Close()
		utils.Logger.Info("stale upload discarded",
			zap.Uint64("generation", generation),
			zap.Uint64("latest", m.latest.Load()))
		return nil, ErrSuperseded
	}

	old, err := m.session.Reset(utils.GenerateID(), generation, img, regions)
	if err != nil {
		img.Close()
		return nil, err
	}
	if old != nil {
		old.Close()
	}
	m.renders.Flush()

	info := m.session.Info()
	utils.Logger.Info("session reset",
		zap.String("session_id", info.SessionID),
		zap.Uint64("generation", generation),
		zap.String("image_id", img.Hash),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Int("regions", info.Regions),
		zap.Duration("duration", time.Since(startTime)))

	return info, nil
}

// Click 按会话模式处理一次点击并返回新的预览图。
// 预览渲染失败时修改已生效：返回带 Info 的结果与 ErrRender，调用方不应重试点击。
func (m *SessionManager) Click(ctx context.Context, in ClickInput) (*ClickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	startTime := time.Now()
	matched := true
	var err error
	if m.session.Mode() == model.PointMode {
		err = m.session.ClickPoint(ctx, in.Point, in.Label)
	} else {
		matched, err = m.session.ClickRegion(in.Point, in.Mode)
	}
	if err != nil {
		return nil, err
	}

	info := m.session.Info()
	preview, err := m.preview()
	if err != nil {
		return &ClickResult{Info: info, Matched: matched}, fmt.Errorf("%w: %v", ErrRender, err)
	}

	utils.Logger.Info("session click",
		zap.String("session_id", info.SessionID),
		zap.Int("x", in.Point.X),
		zap.Int("y", in.Point.Y),
		zap.String("mode", in.Mode.String()),
		zap.String("label", in.Label.String()),
		zap.Bool("matched", matched),
		zap.Uint64("revision", info.Revision),
		zap.Int("selected", info.Selected),
		zap.Duration("duration", time.Since(startTime)))

	return &ClickResult{Preview: preview, Info: info, Matched: matched}, nil
}

// Undo 撤销最近一次修改并返回新的预览图，渲染失败的处理同 Click
func (m *SessionManager) Undo(ctx context.Context) (*ClickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.session.Undo(ctx); err != nil {
		return nil, err
	}

	info := m.session.Info()
	preview, err := m.preview()
	if err != nil {
		return &ClickResult{Info: info, Matched: true}, fmt.Errorf("%w: %v", ErrRender, err)
	}

	utils.Logger.Info("session undo",
		zap.String("session_id", info.SessionID),
		zap.Uint64("revision", info.Revision),
		zap.Int("history", info.History),
		zap.Int("selected", info.Selected))

	return &ClickResult{Preview: preview, Info: info, Matched: true}, nil
}

// Preview 当前选区的预览 PNG
func (m *SessionManager) Preview() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.preview()
}

// Export 当前选区的透明背景 PNG
func (m *SessionManager) Export() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.render("export", m.session.RenderExport)
}

// Info 当前会话快照
func (m *SessionManager) Info() *model.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Info()
}

// Mask 当前选区掩码副本，未加载图片时返回 nil
func (m *SessionManager) Mask() *model.Mask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Mask()
}

func (m *SessionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Close()
	m.renders.Flush()
}

func (m *SessionManager) preview() ([]byte, error) {
	return m.render("preview", m.session.RenderPreview)
}

// render 调用方需持有读锁或写锁；结果按 代号+版本 缓存
func (m *SessionManager) render(view string, fn func() (gocv.Mat, error)) ([]byte, error) {
	key := fmt.Sprintf("%d:%d:%s", m.session.Generation(), m.session.Revision(), view)
	if cached, ok := m.renders.Get(key); ok {
		return cached.([]byte), nil
	}

	mat, err := fn()
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	data, err := m.encode(mat)
	if err != nil {
		return nil, err
	}
	m.renders.SetDefault(key, data)
	return data, nil
}
