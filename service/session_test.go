package service

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/TIANLI0/MaskKit/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegionSession(t *testing.T, w, h int, regions []model.Region) *SelectionSession {
	t.Helper()
	s := NewSelectionSession(model.RegionMode, newProcessor(), nil)
	_, err := s.Reset("test", 1, newSource(w, h, 120), regions)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newPointSession(t *testing.T, pm PointPromptModel) *SelectionSession {
	t.Helper()
	s := NewSelectionSession(model.PointMode, newProcessor(), pm)
	_, err := s.Reset("test", 1, newSource(100, 100, 120), nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSelectionSession_RegionSelectMissUndo(t *testing.T) {
	s := newRegionSession(t, 100, 100, topHalfRegions(100, 100))
	assert.Equal(t, model.StateReady, s.State())

	matched, err := s.ClickRegion(model.Point{X: 10, Y: 10}, model.Select)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.True(t, s.Mask().Equal(rectMask(100, 100, image.Rect(0, 0, 100, 50))))
	assert.Equal(t, model.StateSelecting, s.State())
	assert.Equal(t, 1, s.HistoryLen())

	// 未命中任何区域：选区与历史均不变
	rev := s.Revision()
	matched, err = s.ClickRegion(model.Point{X: 10, Y: 60}, model.Select)
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Equal(t, 1, s.HistoryLen())
	assert.Equal(t, rev, s.Revision())
	assert.Equal(t, 5000, s.Mask().Count())

	require.NoError(t, s.Undo(context.Background()))
	assert.True(t, s.Mask().IsEmpty())
	assert.Equal(t, model.StateReady, s.State())

	assert.ErrorIs(t, s.Undo(context.Background()), ErrNothingToUndo)
}

func TestSelectionSession_RegionUnselect(t *testing.T) {
	regions := []model.Region{
		regionFromMask(rectMask(50, 50, image.Rect(0, 0, 30, 50))),
		regionFromMask(rectMask(50, 50, image.Rect(30, 0, 50, 50))),
		regionFromMask(rectMask(50, 50, image.Rect(0, 20, 50, 30))),
	}
	s := newRegionSession(t, 50, 50, regions)

	_, err := s.ClickRegion(model.Point{X: 5, Y: 5}, model.Select)
	require.NoError(t, err)
	_, err = s.ClickRegion(model.Point{X: 40, Y: 5}, model.Select)
	require.NoError(t, err)
	assert.Equal(t, 2500, s.Mask().Count())

	// 点 (40,25) 同时落在第二、三个区域，按生成顺序取第二个
	_, err = s.ClickRegion(model.Point{X: 40, Y: 25}, model.Unselect)
	require.NoError(t, err)
	assert.True(t, s.Mask().Equal(rectMask(50, 50, image.Rect(0, 0, 30, 50))))

	// 取消选中未选中的区域也算一次修改
	_, err = s.ClickRegion(model.Point{X: 40, Y: 25}, model.Unselect)
	require.NoError(t, err)
	assert.Equal(t, 4, s.HistoryLen())
}

func TestSelectionSession_UndoIsInverse(t *testing.T) {
	regions := []model.Region{
		regionFromMask(rectMask(60, 60, image.Rect(0, 0, 30, 30))),
		regionFromMask(rectMask(60, 60, image.Rect(20, 20, 50, 50))),
		regionFromMask(rectMask(60, 60, image.Rect(10, 40, 60, 60))),
	}
	s := newRegionSession(t, 60, 60, regions)

	clicks := []struct {
		p    model.Point
		mode model.SelectMode
	}{
		{model.Point{X: 5, Y: 5}, model.Select},
		{model.Point{X: 45, Y: 45}, model.Select},
		{model.Point{X: 25, Y: 25}, model.Unselect},
		{model.Point{X: 55, Y: 55}, model.Select},
		{model.Point{X: 5, Y: 5}, model.Unselect},
	}

	snapshots := []*model.Mask{s.Mask()}
	for _, c := range clicks {
		matched, err := s.ClickRegion(c.p, c.mode)
		require.NoError(t, err)
		require.True(t, matched)
		snapshots = append(snapshots, s.Mask())
	}

	for i := len(snapshots) - 2; i >= 0; i-- {
		require.NoError(t, s.Undo(context.Background()))
		assert.True(t, s.Mask().Equal(snapshots[i]), "undo step %d", i)
	}
	assert.ErrorIs(t, s.Undo(context.Background()), ErrNothingToUndo)
}

func TestSelectionSession_MaskIsSnapshot(t *testing.T) {
	s := newRegionSession(t, 100, 100, topHalfRegions(100, 100))
	_, err := s.ClickRegion(model.Point{X: 1, Y: 1}, model.Select)
	require.NoError(t, err)

	m := s.Mask()
	m.FillRect(m.Bounds(), false)
	assert.Equal(t, 5000, s.Mask().Count())
}

func TestSelectionSession_InvalidPoint(t *testing.T) {
	s := newRegionSession(t, 100, 100, topHalfRegions(100, 100))

	for _, p := range []model.Point{{X: -1, Y: 0}, {X: 100, Y: 0}, {X: 0, Y: 100}} {
		_, err := s.ClickRegion(p, model.Select)
		assert.ErrorIs(t, err, ErrInvalidPoint)
	}
	assert.Equal(t, 0, s.HistoryLen())
	assert.True(t, s.Mask().IsEmpty())
}

func TestSelectionSession_NoImageLoaded(t *testing.T) {
	s := NewSelectionSession(model.RegionMode, newProcessor(), nil)
	assert.Equal(t, model.StateEmpty, s.State())

	_, err := s.ClickRegion(model.Point{}, model.Select)
	assert.ErrorIs(t, err, ErrNoImageLoaded)
	assert.ErrorIs(t, s.Undo(context.Background()), ErrNoImageLoaded)

	_, err = s.RenderPreview()
	assert.ErrorIs(t, err, ErrNoImageLoaded)
	_, err = s.RenderExport()
	assert.ErrorIs(t, err, ErrNoImageLoaded)
	assert.Nil(t, s.Mask())
}

func TestSelectionSession_ModeMismatch(t *testing.T) {
	s := newRegionSession(t, 100, 100, topHalfRegions(100, 100))
	err := s.ClickPoint(context.Background(), model.Point{X: 1, Y: 1}, model.Foreground)
	assert.ErrorIs(t, err, ErrModeUnsupported)

	p := newPointSession(t, &fakePointModel{})
	_, err = p.ClickRegion(model.Point{X: 1, Y: 1}, model.Select)
	assert.ErrorIs(t, err, ErrModeUnsupported)
}

func TestSelectionSession_ResetRejectsMismatchedRegions(t *testing.T) {
	s := NewSelectionSession(model.RegionMode, newProcessor(), nil)
	img := newSource(100, 100, 0)
	defer img.Close()

	_, err := s.Reset("x", 1, img, topHalfRegions(50, 50))
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Equal(t, model.StateEmpty, s.State())
}

func TestSelectionSession_ResetClearsState(t *testing.T) {
	s := newRegionSession(t, 100, 100, topHalfRegions(100, 100))
	_, err := s.ClickRegion(model.Point{X: 1, Y: 1}, model.Select)
	require.NoError(t, err)

	old, err := s.Reset("next", 2, newSource(80, 60, 10), topHalfRegions(80, 60))
	require.NoError(t, err)
	require.NotNil(t, old)
	old.Close()

	assert.Equal(t, "next", s.ID())
	assert.Equal(t, 0, s.HistoryLen())
	assert.True(t, s.Mask().IsEmpty())
	assert.Equal(t, 80, s.Mask().Width)
	assert.ErrorIs(t, s.Undo(context.Background()), ErrNothingToUndo)
}

func TestSelectionSession_PointClickAndUndo(t *testing.T) {
	pm := &fakePointModel{}
	s := newPointSession(t, pm)
	ctx := context.Background()

	require.NoError(t, s.ClickPoint(ctx, model.Point{X: 30, Y: 30}, model.Foreground))
	first := s.Mask()
	assert.True(t, first.At(30, 30))
	assert.False(t, first.At(80, 80))

	require.NoError(t, s.ClickPoint(ctx, model.Point{X: 40, Y: 30}, model.Background))
	assert.Len(t, s.Prompts(), 2)
	assert.Len(t, pm.last, 2, "model sees the full prompt sequence")
	assert.False(t, s.Mask().At(40, 30))

	calls := pm.Calls()
	require.NoError(t, s.Undo(ctx))
	assert.Equal(t, calls+1, pm.Calls(), "undo re-runs the model")
	assert.Equal(t, []model.Prompt{{Point: model.Point{X: 30, Y: 30}, Label: model.Foreground}}, s.Prompts())
	assert.True(t, s.Mask().Equal(first))

	// 回到零个提示点时直接清空，不再调用模型
	calls = pm.Calls()
	require.NoError(t, s.Undo(ctx))
	assert.Equal(t, calls, pm.Calls())
	assert.Empty(t, s.Prompts())
	assert.True(t, s.Mask().IsEmpty())
	assert.ErrorIs(t, s.Undo(ctx), ErrNothingToUndo)
}

func TestSelectionSession_PointInferenceFailureKeepsState(t *testing.T) {
	pm := &fakePointModel{}
	s := newPointSession(t, pm)
	ctx := context.Background()

	require.NoError(t, s.ClickPoint(ctx, model.Point{X: 30, Y: 30}, model.Foreground))
	before := s.Mask()
	rev := s.Revision()

	pm.err = errors.New("model crashed")
	err := s.ClickPoint(ctx, model.Point{X: 60, Y: 60}, model.Foreground)
	assert.ErrorIs(t, err, ErrInference)
	assert.Len(t, s.Prompts(), 1)
	assert.Equal(t, 1, s.HistoryLen())
	assert.Equal(t, rev, s.Revision())
	assert.True(t, s.Mask().Equal(before))

	// 撤销时重新预测失败同样不修改状态
	pm.err = nil
	require.NoError(t, s.ClickPoint(ctx, model.Point{X: 60, Y: 60}, model.Foreground))
	two := s.Mask()
	pm.err = errors.New("model crashed")
	assert.ErrorIs(t, s.Undo(ctx), ErrInference)
	assert.Len(t, s.Prompts(), 2)
	assert.Equal(t, 2, s.HistoryLen())
	assert.True(t, s.Mask().Equal(two))
}

func TestSelectionSession_PointShapeMismatch(t *testing.T) {
	s := newPointSession(t, wrongSizeModel{})
	err := s.ClickPoint(context.Background(), model.Point{X: 1, Y: 1}, model.Foreground)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Empty(t, s.Prompts())
}

type wrongSizeModel struct{}

func (wrongSizeModel) Predict(_ context.Context, img *SourceImage, _ []model.Prompt) (*model.RawMask, error) {
	return model.NewRawMask(img.WorkingWidth()+1, img.WorkingHeight()), nil
}

func TestSelectionSession_PointUndoRecomputesFromRemainingPrompts(t *testing.T) {
	pm := &fakePointModel{}
	s := newPointSession(t, pm)
	ctx := context.Background()

	require.NoError(t, s.ClickPoint(ctx, model.Point{X: 5, Y: 5}, model.Foreground))
	single := s.Mask()
	require.NoError(t, s.ClickPoint(ctx, model.Point{X: 50, Y: 50}, model.Background))
	require.NoError(t, s.Undo(ctx))

	assert.Equal(t, []model.Prompt{{Point: model.Point{X: 5, Y: 5}, Label: model.Foreground}}, s.Prompts())
	assert.Equal(t, []model.Prompt{{Point: model.Point{X: 5, Y: 5}, Label: model.Foreground}}, pm.last)
	assert.True(t, s.Mask().Equal(single))
	assert.Equal(t, 1, s.HistoryLen())
}

func TestSelectionSession_RegionsReturnsCopy(t *testing.T) {
	s := newRegionSession(t, 100, 100, topHalfRegions(100, 100))

	regions := s.Regions()
	regions[0] = model.Region{}

	require.Len(t, s.Regions(), 1)
	assert.NotNil(t, s.Regions()[0].Mask)
	matched, err := s.ClickRegion(model.Point{X: 10, Y: 10}, model.Select)
	require.NoError(t, err)
	assert.True(t, matched)
}
