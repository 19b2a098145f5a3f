package controller

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/display"
)

// Item is a captured frame copied out of the capture callback.
type Item struct {
	Monitor   display.Monitor
	Seq       uint64
	Timestamp time.Time
	Image     *image.RGBA
}

// Mailbox hands frames from capture goroutines to the render goroutine. It
// keeps one slot per monitor: a new frame replaces an unconsumed one and
// counts a drop. Control messages queue in order and are taken before frames.
type Mailbox struct {
	mu       sync.Mutex
	cond     *sync.Cond
	slots    map[string]*Item
	order    []string
	controls []func()
	closed   bool

	drops atomic.Uint64
}

// NewMailbox returns an open mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{slots: make(map[string]*Item)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Put stores it in its monitor's slot. It never blocks. Returns false once
// the mailbox is closed.
func (m *Mailbox) Put(it *Item) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	id := it.Monitor.ID
	if _, pending := m.slots[id]; pending {
		m.drops.Add(1)
	} else {
		m.order = append(m.order, id)
	}
	m.slots[id] = it
	m.cond.Signal()
	return true
}

// Control queues fn to run on the render goroutine.
func (m *Mailbox) Control(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.controls = append(m.controls, fn)
	m.cond.Signal()
	return true
}

// Take blocks until something is pending and returns all of it: controls in
// submission order, then one frame per monitor in arrival order. ok is false
// once the mailbox is closed and drained of controls.
func (m *Mailbox) Take() (controls []func(), frames []*Item, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for !m.closed && len(m.controls) == 0 && len(m.order) == 0 {
		m.cond.Wait()
	}
	if m.closed && len(m.controls) == 0 {
		return nil, nil, false
	}

	controls, m.controls = m.controls, nil
	if !m.closed {
		frames = make([]*Item, 0, len(m.order))
		for _, id := range m.order {
			frames = append(frames, m.slots[id])
			delete(m.slots, id)
		}
	}
	m.order = m.order[:0]
	clear(m.slots)
	return controls, frames, true
}

// Clear discards pending frames without counting drops.
func (m *Mailbox) Clear() {
	m.mu.Lock()
	clear(m.slots)
	m.order = m.order[:0]
	m.mu.Unlock()
}

// Close wakes the consumer. Controls queued before Close still run.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Drops returns how many frames were replaced before being taken.
func (m *Mailbox) Drops() uint64 { return m.drops.Load() }
