package notify

import (
	"time"

	"icinema/internal/loop"
)

const DefaultShowDelay = 50 * time.Millisecond

// Toast is a transient notification. ID grows with every Show, so observers
// can tell a repeat of the same text from a stale one.
type Toast struct {
	ID      uint64 `json:"id"`
	Message string `json:"message"`
	Visible bool   `json:"visible"`
}

// Notifier must be used from the scheduler's loop.
type Notifier struct {
	sched     loop.Scheduler
	delay     time.Duration
	current   Toast
	show      loop.Timer
	observers []func(Toast)
}

func NewNotifier(sched loop.Scheduler, delay time.Duration) *Notifier {
	if delay <= 0 {
		delay = DefaultShowDelay
	}
	return &Notifier{sched: sched, delay: delay}
}

func (n *Notifier) OnChange(fn func(Toast)) {
	n.observers = append(n.observers, fn)
}

func (n *Notifier) Current() Toast {
	return n.current
}

// Show hides the current toast and re-shows it with msg after the delay.
func (n *Notifier) Show(msg string) {
	if n.show != nil {
		n.show.Stop()
	}
	n.current = Toast{ID: n.current.ID + 1, Message: msg}
	n.emit()
	id := n.current.ID
	n.show = n.sched.AfterFunc(n.delay, func() {
		n.show = nil
		if n.current.ID != id {
			return
		}
		n.current.Visible = true
		n.emit()
	})
}

func (n *Notifier) Dismiss() {
	if n.show != nil {
		n.show.Stop()
		n.show = nil
	}
	if !n.current.Visible {
		return
	}
	n.current.Visible = false
	n.emit()
}

func (n *Notifier) emit() {
	for _, fn := range n.observers {
		fn(n.current)
	}
}
