package canvas

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"decision-whiteboard/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSaver 记录每次保存收到的图形。
type recordingSaver struct {
	mu    sync.Mutex
	calls [][]domain.Shape
	err   error
}

func (r *recordingSaver) Save(_ context.Context, shapes []domain.Shape) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, shapes)
	return r.err
}

func (r *recordingSaver) Calls() [][]domain.Shape {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestEditor(t *testing.T, saver *recordingSaver, opts ...Option) (*Editor, *fakeClock, *[]StatusEvent) {
	t.Helper()
	clock := &fakeClock{}
	var events []StatusEvent
	surface := newSurface(t, nil, opts...)
	e := NewEditor(surface, saver.Save,
		WithClock(clock),
		WithQuietPeriod(3*time.Second),
		WithStatusListener(func(evt StatusEvent) { events = append(events, evt) }),
	)
	return e, clock, &events
}

func place(e *Editor, tool Tool, x, y float64) error {
	return e.Do(func(s *Surface) error {
		if err := s.SelectTool(tool); err != nil {
			return err
		}
		_, err := s.PointerDown(Point{X: x, Y: y}, "")
		return err
	})
}

func TestEditor_AutosaveAfterQuietPeriod(t *testing.T) {
	saver := &recordingSaver{}
	e, clock, _ := newTestEditor(t, saver)

	require.NoError(t, place(e, ToolRect, 200, 150))
	status, _ := e.Status()
	assert.Equal(t, StatusDirty, status)

	clock.Advance(2999 * time.Millisecond)
	assert.Empty(t, saver.Calls(), "安静期未结束不应保存")

	clock.Advance(time.Millisecond)
	require.Len(t, saver.Calls(), 1)
	assert.Len(t, saver.Calls()[0], 1)

	status, err := e.Status()
	assert.Equal(t, StatusSaved, status)
	assert.NoError(t, err)
}

func TestEditor_RapidMutationsCoalesce(t *testing.T) {
	saver := &recordingSaver{}
	e, clock, _ := newTestEditor(t, saver)

	for i := 0; i < 5; i++ {
		require.NoError(t, place(e, ToolCircle, float64(i*100), 50))
		clock.Advance(time.Second)
	}
	assert.Empty(t, saver.Calls(), "每次变更都应重置计时器")

	clock.Advance(3 * time.Second)
	calls := saver.Calls()
	require.Len(t, calls, 1, "快速变更应合并为一次保存")
	assert.Len(t, calls[0], 5, "保存的是最新状态")

	clock.Advance(10 * time.Second)
	assert.Len(t, saver.Calls(), 1, "没有新变更时不应再次保存")
}

func TestEditor_NonMutatingOpsDoNotArmAutosave(t *testing.T) {
	saver := &recordingSaver{}
	e, clock, _ := newTestEditor(t, saver)

	require.NoError(t, e.Do(func(s *Surface) error {
		s.PointerMove(Point{X: 10, Y: 10})
		s.PointerUp()
		_, err := s.DeleteSelected()
		return err
	}))
	clock.Advance(time.Minute)
	assert.Empty(t, saver.Calls())
}

func TestEditor_CloseCancelsPendingAutosave(t *testing.T) {
	saver := &recordingSaver{}
	e, clock, _ := newTestEditor(t, saver)

	require.NoError(t, place(e, ToolRect, 10, 10))
	e.Close()
	clock.Advance(time.Minute)

	assert.Empty(t, saver.Calls())
	assert.ErrorIs(t, place(e, ToolRect, 10, 10), ErrClosed)
	assert.ErrorIs(t, e.Save(context.Background()), ErrClosed)
}

func TestEditor_ExplicitSaveBypassesDebounce(t *testing.T) {
	saver := &recordingSaver{}
	e, clock, _ := newTestEditor(t, saver)

	require.NoError(t, place(e, ToolText, 10, 10))
	require.NoError(t, e.Save(context.Background()))
	require.Len(t, saver.Calls(), 1)

	clock.Advance(time.Minute)
	assert.Len(t, saver.Calls(), 1, "显式保存后挂起的自动保存应被取消")
}

func TestEditor_SaveFailureKeepsBoard(t *testing.T) {
	saver := &recordingSaver{err: errors.New("backend down")}
	e, clock, events := newTestEditor(t, saver)

	require.NoError(t, place(e, ToolRect, 200, 150))
	clock.Advance(3 * time.Second)

	status, err := e.Status()
	assert.Equal(t, StatusFailed, status)
	assert.EqualError(t, err, "backend down")

	var shapes []domain.Shape
	e.View(func(s *Surface) { shapes = s.Shapes() })
	assert.Len(t, shapes, 1, "保存失败不回滚内存中的白板")

	require.NotEmpty(t, *events)
	last := (*events)[len(*events)-1]
	assert.Equal(t, StatusFailed, last.Status)

	// 后续变更会重新触发自动保存
	saver.mu.Lock()
	saver.err = nil
	saver.mu.Unlock()
	require.NoError(t, e.Do(func(s *Surface) error { return s.EditLabel(shapes[0].ID, "Retry") }))
	clock.Advance(3 * time.Second)
	status, _ = e.Status()
	assert.Equal(t, StatusSaved, status)
	assert.Len(t, saver.Calls(), 2)
}

func TestEditor_StatusSequence(t *testing.T) {
	saver := &recordingSaver{}
	e, clock, events := newTestEditor(t, saver)

	require.NoError(t, place(e, ToolRect, 0, 0))
	clock.Advance(3 * time.Second)

	var got []SaveStatus
	for _, evt := range *events {
		got = append(got, evt.Status)
	}
	assert.Equal(t, []SaveStatus{StatusDirty, StatusSaving, StatusSaved}, got)
}

func TestEditor_ReadOnlySave(t *testing.T) {
	saver := &recordingSaver{}
	e, _, _ := newTestEditor(t, saver, WithReadOnly(true))

	assert.ErrorIs(t, e.Save(context.Background()), ErrReadOnly)
	assert.NoError(t, e.Flush(context.Background()))
	assert.Empty(t, saver.Calls())
}

func TestEditor_FlushOnlyWhenDirty(t *testing.T) {
	saver := &recordingSaver{}
	e, _, _ := newTestEditor(t, saver)

	require.NoError(t, e.Flush(context.Background()))
	assert.Empty(t, saver.Calls())

	require.NoError(t, place(e, ToolRect, 0, 0))
	require.NoError(t, e.Flush(context.Background()))
	assert.Len(t, saver.Calls(), 1)
}

func TestDebouncer_CancelAndPending(t *testing.T) {
	clock := &fakeClock{}
	d := NewDebouncer(time.Second, clock)
	calls := 0

	d.Trigger(func() { calls++ })
	assert.True(t, d.Pending())
	d.Cancel()
	assert.False(t, d.Pending())
	clock.Advance(2 * time.Second)
	assert.Equal(t, 0, calls)

	d.Trigger(func() { calls++ })
	d.Trigger(func() { calls += 10 })
	clock.Advance(time.Second)
	assert.Equal(t, 10, calls, "只执行最后一次提交的函数")
}

func TestDebouncer_RealClock(t *testing.T) {
	d := NewDebouncer(10*time.Millisecond, nil)
	done := make(chan struct{})
	d.Trigger(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("debounced function did not run")
	}
}

func TestEditor_ReplaceDoesNotArmAutosave(t *testing.T) {
	saver := &recordingSaver{}
	e, clock, _ := newTestEditor(t, saver)

	require.NoError(t, place(e, ToolRect, 0, 0))
	require.NoError(t, e.Replace([]domain.Shape{domain.PlaceShape("x", domain.KindCircle, 5, 5)}))
	clock.Advance(time.Minute)

	assert.Empty(t, saver.Calls(), "外部同步的内容不需要再次保存")
	status, _ := e.Status()
	assert.Equal(t, StatusSaved, status)

	e.Close()
	assert.ErrorIs(t, e.Replace(nil), ErrClosed)
}
