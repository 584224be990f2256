package state

import (
	"sync"
	"time"

	"github.com/spm1001/gueridon/internal/broker/decode"
)

type conflateKey struct {
	index int
	kind  string
}

// Conflator coalesces consecutive stream-block-delta events targeting the
// same (block-index, delta-kind) into a single merged event before it
// reaches the emit callback (§4.D). It sits between the decoder and the
// state builder in the runtime's event pipeline. Non-delta events flush
// whatever is pending first, so the builder always observes the merged
// text before it processes a block-stop or assistant-complete.
//
// One timer is armed on first insert and cleared on fire, guarded by its
// own mutex so it is safe to drive from a timer goroutine and a runtime
// goroutine concurrently in tests.
type Conflator struct {
	interval time.Duration
	emit     func(decode.Event)
	dispatch func(func())

	mu      sync.Mutex
	pending map[conflateKey]*decode.BlockDelta
	order   []conflateKey
	timer   *time.Timer
}

func NewConflator(interval time.Duration, emit func(decode.Event)) *Conflator {
	return &Conflator{
		interval: interval,
		emit:     emit,
		pending:  make(map[conflateKey]*decode.BlockDelta),
	}
}

// SetDispatch installs fn as the scheduler the timer-fired flush runs
// through (§4.D: "the flush timer... dispatched into the runtime's queue
// on expiry"), so Flush triggered by the time.AfterFunc goroutine is
// routed onto the owner's own goroutine instead of calling emit from a
// foreign one. Handle's own synchronous flush — already running on the
// caller's goroutine by construction — is unaffected.
func (c *Conflator) SetDispatch(fn func(func())) {
	c.mu.Lock()
	c.dispatch = fn
	c.mu.Unlock()
}

// Handle accepts one decoded event. Block-delta events are buffered;
// everything else triggers an immediate synchronous flush before being
// passed straight through to emit.
func (c *Conflator) Handle(ev decode.Event) {
	if ev.Kind != decode.KindBlockDelta {
		c.Flush()
		c.emit(ev)
		return
	}

	c.mu.Lock()
	key := conflateKey{index: ev.BlockDelta.Index, kind: ev.BlockDelta.Kind}
	if existing, ok := c.pending[key]; ok {
		existing.Text += ev.BlockDelta.Text
	} else {
		merged := *ev.BlockDelta
		c.pending[key] = &merged
		c.order = append(c.order, key)
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.interval, c.onTimer)
	}
	c.mu.Unlock()
}

func (c *Conflator) onTimer() {
	c.mu.Lock()
	dispatch := c.dispatch
	c.mu.Unlock()
	if dispatch != nil {
		dispatch(c.Flush)
		return
	}
	c.Flush()
}

// Flush emits one merged block-delta event per pending key, in the order
// each key was first inserted, then clears the table.
func (c *Conflator) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	order := c.order
	pending := c.pending
	c.order = nil
	c.pending = make(map[conflateKey]*decode.BlockDelta)
	c.mu.Unlock()

	for _, key := range order {
		bd := pending[key]
		c.emit(decode.Event{Kind: decode.KindBlockDelta, BlockDelta: bd})
	}
}

// Stop cancels any armed flush timer without emitting pending deltas. Used
// on runtime teardown.
func (c *Conflator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
