package canvas

import (
	"sync"
	"time"
)

// Timer 是 Clock 创建的可取消定时器。
type Timer interface {
	Stop() bool
}

// Clock 抽象了延迟执行，测试中可替换为手动推进的时钟。
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock 使用 time.AfterFunc。
var RealClock Clock = realClock{}

// Debouncer 是一个可取消的延迟任务：每次 Trigger 都会重新计时，
// 只有安静期结束后才执行最近一次提交的函数。
type Debouncer struct {
	mu      sync.Mutex
	clock   Clock
	delay   time.Duration
	timer   Timer
	pending func()
	gen     uint64 // 每次 Trigger/Cancel 递增，用于丢弃已过期的回调
}

// NewDebouncer 创建 Debouncer。clock 为 nil 时使用 RealClock。
func NewDebouncer(delay time.Duration, clock Clock) *Debouncer {
	if clock == nil {
		clock = RealClock
	}
	return &Debouncer{clock: clock, delay: delay}
}

// Trigger 重置计时器，安静期结束后执行 fn。
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.pending = fn
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	// Stop 与回调触发存在竞争，过期的回调直接丢弃
	if gen != d.gen || d.pending == nil {
		d.mu.Unlock()
		return
	}
	fn := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	fn()
}

// Cancel 取消尚未执行的任务。
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.pending = nil
}

// Pending 报告是否有尚未执行的任务。
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}
