package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TIANLI0/MaskKit/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func newRegionManager(t *testing.T, rm RegionProposalModel, workingSide int) *SessionManager {
	t.Helper()
	m, err := NewSessionManager(ManagerOptions{
		Mode:        model.RegionMode,
		WorkingSide: workingSide,
		Processor:   newProcessor(),
		RegionModel: rm,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestNewSessionManager_RequiresModel(t *testing.T) {
	_, err := NewSessionManager(ManagerOptions{Mode: model.RegionMode, Processor: newProcessor()})
	assert.Error(t, err)

	_, err = NewSessionManager(ManagerOptions{Mode: model.PointMode, Processor: newProcessor()})
	assert.Error(t, err)

	_, err = NewSessionManager(ManagerOptions{Mode: "lasso", Processor: newProcessor()})
	assert.Error(t, err)
}

func TestSessionManager_ClickUndoFlow(t *testing.T) {
	rm := &fakeRegionModel{build: topHalfRegions}
	m := newRegionManager(t, rm, 1024)
	ctx := context.Background()

	info, err := m.Reset(ctx, encodedImage(t, 64, 48, 150))
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, info.State)
	assert.Equal(t, 1, info.Regions)
	assert.NotEmpty(t, info.SessionID)

	res, err := m.Click(ctx, ClickInput{Point: model.Point{X: 5, Y: 5}, Mode: model.Select})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, 64*24, res.Info.Selected)
	assert.Equal(t, model.StateSelecting, res.Info.State)

	preview, err := gocv.IMDecode(res.Preview, gocv.IMReadColor)
	require.NoError(t, err)
	assert.Equal(t, 64, preview.Cols())
	preview.Close()

	// 同一版本的预览命中缓存
	again, err := m.Preview()
	require.NoError(t, err)
	assert.Equal(t, res.Preview, again)

	res, err = m.Click(ctx, ClickInput{Point: model.Point{X: 5, Y: 40}, Mode: model.Select})
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, 1, res.Info.History)

	res, err = m.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Info.Selected)
	assert.NotEqual(t, again, res.Preview)

	_, err = m.Undo(ctx)
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestSessionManager_DecodeErrorKeepsSession(t *testing.T) {
	m := newRegionManager(t, &fakeRegionModel{build: topHalfRegions}, 1024)
	ctx := context.Background()

	first, err := m.Reset(ctx, encodedImage(t, 32, 32, 10))
	require.NoError(t, err)
	_, err = m.Click(ctx, ClickInput{Point: model.Point{X: 1, Y: 1}})
	require.NoError(t, err)

	_, err = m.Reset(ctx, []byte("definitely not an image"))
	assert.ErrorIs(t, err, ErrDecode)

	info := m.Info()
	assert.Equal(t, first.SessionID, info.SessionID)
	assert.Equal(t, 32*16, info.Selected)
}

func TestSessionManager_RegionFailureKeepsSession(t *testing.T) {
	rm := &fakeRegionModel{build: topHalfRegions}
	m := newRegionManager(t, rm, 1024)
	ctx := context.Background()

	first, err := m.Reset(ctx, encodedImage(t, 32, 32, 10))
	require.NoError(t, err)

	rm.err = ErrInference
	_, err = m.Reset(ctx, encodedImage(t, 16, 16, 10))
	assert.ErrorIs(t, err, ErrInference)
	assert.Equal(t, first.SessionID, m.Info().SessionID)
}

func TestSessionManager_WorkingResolution(t *testing.T) {
	m := newRegionManager(t, &fakeRegionModel{build: topHalfRegions}, 50)
	ctx := context.Background()

	info, err := m.Reset(ctx, encodedImage(t, 100, 80, 60))
	require.NoError(t, err)
	assert.Equal(t, 100, info.Width)
	assert.Equal(t, 80, info.Height)
	assert.Equal(t, 50, info.WorkingWidth)
	assert.Equal(t, 40, info.WorkingHeight)

	_, err = m.Click(ctx, ClickInput{Point: model.Point{X: 60, Y: 5}})
	assert.ErrorIs(t, err, ErrInvalidPoint)

	_, err = m.Click(ctx, ClickInput{Point: model.Point{X: 10, Y: 5}})
	require.NoError(t, err)

	data, err := m.Export()
	require.NoError(t, err)
	out, err := gocv.IMDecode(data, gocv.IMReadUnchanged)
	require.NoError(t, err)
	defer out.Close()
	assert.Equal(t, 100, out.Cols())
	assert.Equal(t, 80, out.Rows())
	assert.Equal(t, 4, out.Channels())
}

func TestSessionManager_NoImage(t *testing.T) {
	m := newRegionManager(t, &fakeRegionModel{build: topHalfRegions}, 1024)

	_, err := m.Click(context.Background(), ClickInput{})
	assert.ErrorIs(t, err, ErrNoImageLoaded)
	_, err = m.Preview()
	assert.ErrorIs(t, err, ErrNoImageLoaded)
	_, err = m.Export()
	assert.ErrorIs(t, err, ErrNoImageLoaded)
	assert.Nil(t, m.Mask())
	assert.Equal(t, model.StateEmpty, m.Info().State)
}

// blockingRegionModel 第一次调用阻塞，直到 release 被关闭
type blockingRegionModel struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingRegionModel) Generate(_ context.Context, img *SourceImage) ([]model.Region, error) {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.started)
		<-b.release
	}
	return topHalfRegions(img.WorkingWidth(), img.WorkingHeight()), nil
}

func TestSessionManager_StaleUploadSuperseded(t *testing.T) {
	rm := &blockingRegionModel{started: make(chan struct{}), release: make(chan struct{})}
	m := newRegionManager(t, rm, 1024)
	ctx := context.Background()

	stale := encodedImage(t, 20, 20, 1)
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Reset(ctx, stale)
		errCh <- err
	}()

	select {
	case <-rm.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first upload never reached region generation")
	}

	latest, err := m.Reset(ctx, encodedImage(t, 30, 30, 2))
	require.NoError(t, err)

	// 旧上传还在生成期间，渲染查询不被阻塞
	_, err = m.Preview()
	require.NoError(t, err)

	close(rm.release)
	assert.ErrorIs(t, <-errCh, ErrSuperseded)

	info := m.Info()
	assert.Equal(t, latest.SessionID, info.SessionID)
	assert.Equal(t, 30, info.Width)
}

func TestSessionManager_ConcurrentRenders(t *testing.T) {
	m := newRegionManager(t, &fakeRegionModel{build: topHalfRegions}, 1024)
	ctx := context.Background()

	_, err := m.Reset(ctx, encodedImage(t, 40, 40, 80))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := m.Click(ctx, ClickInput{Point: model.Point{X: 5, Y: 5}, Mode: model.Select})
				assert.NoError(t, err)
				return
			}
			_, err := m.Preview()
			assert.NoError(t, err)
			_, err = m.Export()
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, m.Info().History)
}

func TestSessionManager_PointMode(t *testing.T) {
	pm := &fakePointModel{}
	m, err := NewSessionManager(ManagerOptions{
		Mode:       model.PointMode,
		Processor:  newProcessor(),
		PointModel: pm,
	})
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	_, err = m.Reset(ctx, encodedImage(t, 64, 64, 100))
	require.NoError(t, err)

	res, err := m.Click(ctx, ClickInput{Point: model.Point{X: 32, Y: 32}, Label: model.Foreground})
	require.NoError(t, err)
	assert.Len(t, res.Info.Prompts, 1)
	assert.Positive(t, res.Info.Selected)

	res, err = m.Undo(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Info.Prompts)
	assert.Equal(t, 1, pm.Calls())
}

func TestSessionManager_RenderFailureReportsCommittedState(t *testing.T) {
	m := newRegionManager(t, &fakeRegionModel{build: topHalfRegions}, 1024)
	ctx := context.Background()

	_, err := m.Reset(ctx, encodedImage(t, 40, 40, 90))
	require.NoError(t, err)

	m.encode = func(gocv.Mat) ([]byte, error) { return nil, errors.New("encoder unavailable") }
	res, err := m.Click(ctx, ClickInput{Point: model.Point{X: 5, Y: 5}, Mode: model.Select})
	assert.ErrorIs(t, err, ErrRender)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Info.History)
	assert.Equal(t, 40*20, res.Info.Selected)

	res, err = m.Undo(ctx)
	assert.ErrorIs(t, err, ErrRender)
	require.NotNil(t, res)
	assert.Equal(t, 0, res.Info.History)

	// 渲染恢复后直接取预览，状态未被重复修改
	m.encode = EncodePNG
	_, err = m.Preview()
	require.NoError(t, err)
	assert.Equal(t, 0, m.Info().History)
}

func TestSessionManager_TicketFollowsArrivalOrder(t *testing.T) {
	m := newRegionManager(t, &fakeRegionModel{build: topHalfRegions}, 1024)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	m.decode = func(data []byte, side int) (*SourceImage, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return LoadImage(data, side)
	}

	slow := encodedImage(t, 20, 20, 1)
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Reset(ctx, slow)
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first upload never started decoding")
	}

	latest, err := m.Reset(ctx, encodedImage(t, 30, 30, 2))
	require.NoError(t, err)

	close(release)
	assert.ErrorIs(t, <-errCh, ErrSuperseded)
	assert.Equal(t, latest.SessionID, m.Info().SessionID)
	assert.Equal(t, 30, m.Info().Width)
}
