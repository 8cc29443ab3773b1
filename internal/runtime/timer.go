package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/spinflow/internal/runtime/timers"
)

// TimerCallback runs on the owning node's executor each time the timer fires.
type TimerCallback func(ctx context.Context) error

// Timer fires a callback every period on the executor of its node. While
// the node is detached the timer exists but is not armed.
type Timer struct {
	node    *Node
	name    string
	period  time.Duration
	oneShot bool
	cb      TimerCallback

	mu        sync.Mutex
	exec      *Executor
	handle    *timers.Handle[*Timer]
	cancelled bool
	fired     uint64
}

func (t *Timer) Name() string           { return t.name }
func (t *Timer) Period() time.Duration { return t.period }

// Fired returns how many times the callback was started.
func (t *Timer) Fired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Cancelled reports whether Cancel was called or a one-shot timer completed.
func (t *Timer) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Cancel stops future firings. A firing already returned by the executor's
// poll but not yet started is skipped. Cancel returns false when the timer
// was already cancelled.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.disarmLocked()
	t.mu.Unlock()

	t.node.forgetTimer(t)
	return true
}

func (t *Timer) armOn(e *Executor) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled || t.handle != nil {
		return
	}
	t.exec = e
	if t.oneShot {
		t.handle = e.timers.ArmOnce(t.period, t)
		return
	}
	// period is validated by CreateTimer.
	t.handle, _ = e.timers.Arm(t.period, t)
}

func (t *Timer) disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disarmLocked()
}

func (t *Timer) disarmLocked() {
	if t.exec != nil && t.handle != nil {
		t.exec.timers.Cancel(t.handle)
	}
	t.exec = nil
	t.handle = nil
}

// begin claims one firing. One-shot timers retire themselves here.
func (t *Timer) begin(h *timers.Handle[*Timer]) bool {
	t.mu.Lock()
	if t.cancelled || t.handle != h {
		t.mu.Unlock()
		return false
	}
	t.fired++
	retire := t.oneShot
	if retire {
		t.cancelled = true
		t.exec = nil
		t.handle = nil
	}
	t.mu.Unlock()

	if retire {
		t.node.forgetTimer(t)
	}
	return true
}

func (t *Timer) fire(ctx context.Context, exec *Executor) {
	src := callbackSource{kind: KindTimer, node: t.node, source: t.name}
	_ = t.node.graph.run(ctx, exec, src, t.cb)
}
