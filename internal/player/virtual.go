package player

import (
	"context"
	"sync"
	"time"
)

// VirtualElement is a headless media element whose position follows the
// wall clock while playing. With RequireGesture set it rejects Play until
// Gesture is called, the way browsers block autoplay.
type VirtualElement struct {
	mu             sync.Mutex
	now            func() time.Time
	src            string
	playing        bool
	base           float64
	anchor         time.Time
	duration       float64
	requireGesture bool
	activated      bool
}

func NewVirtualElement(now func() time.Time, duration float64, requireGesture bool) *VirtualElement {
	if now == nil {
		now = time.Now
	}
	return &VirtualElement{now: now, duration: duration, requireGesture: requireGesture}
}

// Gesture records a user activation.
func (v *VirtualElement) Gesture() {
	v.mu.Lock()
	v.activated = true
	v.mu.Unlock()
}

func (v *VirtualElement) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.src == "" {
		return ErrNoElement
	}
	if v.requireGesture && !v.activated {
		return ErrAutoplayBlocked
	}
	if !v.playing {
		v.base = v.positionLocked()
		v.anchor = v.now()
		v.playing = true
	}
	return nil
}

func (v *VirtualElement) Pause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.playing {
		v.base = v.positionLocked()
		v.playing = false
	}
}

func (v *VirtualElement) SetCurrentTime(seconds float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if seconds < 0 {
		seconds = 0
	}
	if v.duration > 0 && seconds > v.duration {
		seconds = v.duration
	}
	v.base = seconds
	v.anchor = v.now()
}

func (v *VirtualElement) CurrentTime() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positionLocked()
}

func (v *VirtualElement) SetSource(url string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.src = url
	v.playing = false
	v.base = 0
	v.anchor = v.now()
}

func (v *VirtualElement) Source() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.src
}

func (v *VirtualElement) CanPlayType(mime string) bool {
	return true
}

func (v *VirtualElement) Paused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.playing
}

func (v *VirtualElement) Ended() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.duration > 0 && v.positionLocked() >= v.duration
}

func (v *VirtualElement) ReadyState() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.src == "" {
		return 0
	}
	return 4
}

func (v *VirtualElement) Seeking() bool {
	return false
}

func (v *VirtualElement) Duration() float64 {
	return v.duration
}

func (v *VirtualElement) positionLocked() float64 {
	pos := v.base
	if v.playing {
		pos += v.now().Sub(v.anchor).Seconds()
	}
	if v.duration > 0 && pos > v.duration {
		pos = v.duration
	}
	return pos
}
