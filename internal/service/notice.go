package service

import (
	"sync"
	"time"
)

// NoticeLevel is the severity of a user-facing status notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticePending NoticeLevel = "pending"
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

// Notice is a transient status message for the user.
type Notice struct {
	Level     NoticeLevel `json:"level"`
	Message   string      `json:"message"`
	PostedAt  time.Time   `json:"posted_at"`
	ExpiresAt time.Time   `json:"expires_at,omitempty"`
}

// NoticeBoard holds the single visible notice. Auto-dismissal is a scheduled,
// cancellable timer owned by the board; workflow state never depends on it.
type NoticeBoard struct {
	mu       sync.Mutex
	current  *Notice
	timer    *time.Timer
	gen      uint64
	onChange func(*Notice)
}

// NewNoticeBoard creates an empty board. onChange, when non-nil, is called
// with the new notice (nil on dismissal) outside the board's lock.
func NewNoticeBoard(onChange func(*Notice)) *NoticeBoard {
	return &NoticeBoard{onChange: onChange}
}

// Post replaces the visible notice. A positive ttl schedules its dismissal;
// a previously scheduled dismissal is cancelled. The returned func cancels
// the new dismissal without hiding the notice.
func (b *NoticeBoard) Post(level NoticeLevel, message string, ttl time.Duration) (cancel func()) {
	now := time.Now().UTC()
	n := &Notice{Level: level, Message: message, PostedAt: now}

	b.mu.Lock()
	b.stopTimerLocked()
	b.gen++
	gen := b.gen
	if ttl > 0 {
		n.ExpiresAt = now.Add(ttl)
		b.timer = time.AfterFunc(ttl, func() { b.expire(gen) })
	}
	b.current = n
	b.mu.Unlock()

	b.notify(n)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.gen == gen {
			b.stopTimerLocked()
			if b.current != nil {
				b.current.ExpiresAt = time.Time{}
			}
		}
	}
}

// Dismiss hides the visible notice immediately.
func (b *NoticeBoard) Dismiss() {
	b.mu.Lock()
	b.stopTimerLocked()
	b.gen++
	had := b.current != nil
	b.current = nil
	b.mu.Unlock()
	if had {
		b.notify(nil)
	}
}

// Current returns a copy of the visible notice, if any.
func (b *NoticeBoard) Current() (Notice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return Notice{}, false
	}
	return *b.current, true
}

func (b *NoticeBoard) expire(gen uint64) {
	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		return
	}
	b.current = nil
	b.timer = nil
	b.mu.Unlock()
	b.notify(nil)
}

func (b *NoticeBoard) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *NoticeBoard) notify(n *Notice) {
	if b.onChange != nil {
		b.onChange(n)
	}
}
