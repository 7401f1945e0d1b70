package canvas

import (
	"context"
	"sync"
	"time"

	"decision-whiteboard/internal/domain"

	"github.com/sirupsen/logrus"
)

// DefaultQuietPeriod 是最后一次变更后触发自动保存的安静期。
const DefaultQuietPeriod = 3 * time.Second

// SaveFunc 是外部持久化回调，接收当前完整的图形列表。
type SaveFunc func(ctx context.Context, shapes []domain.Shape) error

// SaveStatus 是 "未保存修改" 指示器的状态。
type SaveStatus string

const (
	StatusSaved  SaveStatus = "saved"
	StatusDirty  SaveStatus = "dirty"
	StatusSaving SaveStatus = "saving"
	StatusFailed SaveStatus = "failed"
)

// StatusEvent 在保存状态变化时通知监听者。
type StatusEvent struct {
	Status SaveStatus
	Err    error
}

// Editor 把 Surface 与防抖自动保存组合在一起，可以被多个 goroutine 安全调用。
// 持久化失败时不回滚内存中的白板。
type Editor struct {
	mu       sync.Mutex
	surface  *Surface
	debounce *Debouncer
	save     SaveFunc
	onStatus func(StatusEvent)

	status        SaveStatus
	lastErr       error
	savedRevision uint64
	closed        bool

	// saveMu 串行化保存调用，保证后捕获的快照后提交
	saveMu sync.Mutex
	log    *logrus.Entry
}

// EditorOption 配置 Editor。
type EditorOption func(*editorConfig)

type editorConfig struct {
	quiet    time.Duration
	clock    Clock
	onStatus func(StatusEvent)
	log      *logrus.Entry
}

// WithQuietPeriod 设置自动保存的安静期。
func WithQuietPeriod(d time.Duration) EditorOption {
	return func(c *editorConfig) { c.quiet = d }
}

// WithClock 替换计时器实现。
func WithClock(clock Clock) EditorOption {
	return func(c *editorConfig) { c.clock = clock }
}

// WithStatusListener 注册保存状态监听者。回调在持锁外执行。
func WithStatusListener(fn func(StatusEvent)) EditorOption {
	return func(c *editorConfig) { c.onStatus = fn }
}

// WithLogger 设置日志上下文。
func WithLogger(log *logrus.Entry) EditorOption {
	return func(c *editorConfig) { c.log = log }
}

// NewEditor 创建编辑器。save 为 nil 时保存为空操作。
func NewEditor(surface *Surface, save SaveFunc, opts ...EditorOption) *Editor {
	cfg := editorConfig{quiet: DefaultQuietPeriod, clock: RealClock}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logrus.WithField("component", "canvas_editor")
	}
	if save == nil {
		save = func(context.Context, []domain.Shape) error { return nil }
	}
	return &Editor{
		surface:       surface,
		debounce:      NewDebouncer(cfg.quiet, cfg.clock),
		save:          save,
		onStatus:      cfg.onStatus,
		status:        StatusSaved,
		savedRevision: surface.Revision(),
		log:           cfg.log,
	}
}

// Do 在编辑器锁内对 Surface 执行 fn。若 fn 改变了图形列表，
// 状态变为 dirty 并重新计时自动保存。返回 fn 的错误。
func (e *Editor) Do(fn func(s *Surface) error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	before := e.surface.Revision()
	err := fn(e.surface)
	mutated := e.surface.Revision() != before
	var evt *StatusEvent
	if mutated {
		evt = e.setStatusLocked(StatusDirty, nil)
		e.debounce.Trigger(e.autosave)
	}
	e.mu.Unlock()

	e.notify(evt)
	return err
}

// View 在锁内只读访问 Surface。
func (e *Editor) View(fn func(s *Surface)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.surface)
}

// Status 返回当前保存状态与最近一次保存错误。
func (e *Editor) Status() (SaveStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.lastErr
}

// Save 跳过防抖立即保存。
func (e *Editor) Save(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.surface.ReadOnly() {
		e.mu.Unlock()
		return ErrReadOnly
	}
	e.debounce.Cancel()
	e.mu.Unlock()

	return e.flush(ctx)
}

// Flush 在有未保存修改时立即保存，用于服务关闭前落盘。
func (e *Editor) Flush(ctx context.Context) error {
	e.mu.Lock()
	dirty := !e.closed && !e.surface.ReadOnly() && e.surface.Revision() != e.savedRevision
	if dirty {
		e.debounce.Cancel()
	}
	e.mu.Unlock()

	if !dirty {
		return nil
	}
	return e.flush(ctx)
}

// Replace 用外部内容 (例如其他会话保存的版本) 覆盖白板，不触发自动保存。
func (e *Editor) Replace(shapes []domain.Shape) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if err := e.surface.Replace(shapes); err != nil {
		e.mu.Unlock()
		return err
	}
	e.debounce.Cancel()
	e.savedRevision = e.surface.Revision()
	evt := e.setStatusLocked(StatusSaved, nil)
	e.mu.Unlock()

	e.notify(evt)
	return nil
}

// Close 拆除编辑器，丢弃尚未触发的自动保存。
func (e *Editor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.debounce.Cancel()
}

func (e *Editor) autosave() {
	if err := e.flush(context.Background()); err != nil && err != ErrClosed {
		e.log.WithError(err).Warn("Autosave failed, board kept in memory")
	}
}

func (e *Editor) flush(ctx context.Context) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	shapes := e.surface.Shapes()
	revision := e.surface.Revision()
	evt := e.setStatusLocked(StatusSaving, nil)
	e.mu.Unlock()
	e.notify(evt)

	err := e.save(ctx, shapes)

	e.mu.Lock()
	if err != nil {
		evt = e.setStatusLocked(StatusFailed, err)
	} else {
		if revision > e.savedRevision {
			e.savedRevision = revision
		}
		if e.surface.Revision() == e.savedRevision {
			evt = e.setStatusLocked(StatusSaved, nil)
		} else {
			evt = e.setStatusLocked(StatusDirty, nil)
		}
	}
	e.mu.Unlock()
	e.notify(evt)

	if err != nil {
		e.log.WithError(err).WithField("revision", revision).Warn("Whiteboard save failed")
	} else {
		e.log.WithFields(logrus.Fields{"revision": revision, "shape_count": len(shapes)}).Debug("Whiteboard saved")
	}
	return err
}

func (e *Editor) setStatusLocked(status SaveStatus, err error) *StatusEvent {
	if e.status == status && err == nil && e.lastErr == nil {
		return nil
	}
	e.status = status
	e.lastErr = err
	return &StatusEvent{Status: status, Err: err}
}

func (e *Editor) notify(evt *StatusEvent) {
	if evt != nil && e.onStatus != nil {
		e.onStatus(*evt)
	}
}
