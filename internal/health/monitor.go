// Package health classifies the playback viability of the loaded stream as
// healthy, recovering or failed.
package health

import (
	"context"
	"time"

	"github.com/RanFeng/ilog"

	"icinema/internal/loop"
)

const (
	MessageLoading     = "loading..."
	MessageFailed      = "playback failed, please check the video link"
	MessageUnsupported = "HLS (m3u8) playback is not supported"
)

type State int

const (
	Healthy State = iota
	Recovering
	Failed
)

func (s State) String() string {
	switch s {
	case Recovering:
		return "recovering"
	case Failed:
		return "failed"
	default:
		return "healthy"
	}
}

// Status is what the UI renders.
type Status struct {
	State   State  `json:"-"`
	Name    string `json:"state"`
	Message string `json:"message"`
	Loading bool   `json:"loading"`
}

// Element exposes the readiness predicates of the media element.
type Element interface {
	Paused() bool
	Ended() bool
	ReadyState() int
	Seeking() bool
	Duration() float64
}

// HaveCurrentData is the readyState from which a frame can be rendered.
const HaveCurrentData = 2

type EventKind int

const (
	ManifestParsed EventKind = iota
	LevelLoaded
	FragmentLoaded
	FragmentParsed
	EngineError
)

// Event is one notification from the adaptive streaming engine.
type Event struct {
	Kind      EventKind
	ErrorType string
	Fatal     bool
}

type Config struct {
	MaxErrorDuration      time.Duration
	MaxErrorCount         int
	RecoveryCheckInterval time.Duration
	FragmentSettle        time.Duration
	LevelSettle           time.Duration
	ErrorClearDelay       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxErrorDuration:      30 * time.Second,
		MaxErrorCount:         8,
		RecoveryCheckInterval: 5 * time.Second,
		FragmentSettle:        time.Second,
		LevelSettle:           500 * time.Millisecond,
		ErrorClearDelay:       3 * time.Second,
	}
}

// Monitor must only be used from the scheduler's loop.
type Monitor struct {
	cfg   Config
	sched loop.Scheduler
	el    Element

	status Status

	errorStart time.Time
	errorCount int
	recovery   loop.Timer
	settle     loop.Timer

	observers []func(Status)
}

func NewMonitor(cfg Config, sched loop.Scheduler) *Monitor {
	def := DefaultConfig()
	if cfg.MaxErrorDuration <= 0 {
		cfg.MaxErrorDuration = def.MaxErrorDuration
	}
	if cfg.MaxErrorCount <= 0 {
		cfg.MaxErrorCount = def.MaxErrorCount
	}
	if cfg.RecoveryCheckInterval <= 0 {
		cfg.RecoveryCheckInterval = def.RecoveryCheckInterval
	}
	if cfg.FragmentSettle <= 0 {
		cfg.FragmentSettle = def.FragmentSettle
	}
	if cfg.LevelSettle <= 0 {
		cfg.LevelSettle = def.LevelSettle
	}
	if cfg.ErrorClearDelay <= 0 {
		cfg.ErrorClearDelay = def.ErrorClearDelay
	}
	return &Monitor{
		cfg:    cfg,
		sched:  sched,
		status: makeStatus(Healthy, "", false),
	}
}

func (m *Monitor) OnChange(fn func(Status)) {
	m.observers = append(m.observers, fn)
}

func (m *Monitor) Status() Status {
	return m.status
}

// ErrorCount is the number of errors since tracking was last reset.
func (m *Monitor) ErrorCount() int {
	return m.errorCount
}

// Begin starts a new stream session on el. Tracking from the previous
// session is discarded before anything else happens.
func (m *Monitor) Begin(el Element) {
	m.Teardown()
	m.el = el
	m.set(Recovering, "", true)
}

// Teardown cancels every timer of the session and clears tracking.
func (m *Monitor) Teardown() {
	m.cancelSettle()
	m.resetTracking()
	m.el = nil
}

// Ready marks the source as directly playable, e.g. a progressive file.
func (m *Monitor) Ready() {
	m.markHealthy()
}

func (m *Monitor) Unsupported() {
	m.cancelSettle()
	m.resetTracking()
	m.set(Failed, MessageUnsupported, false)
}

func (m *Monitor) HandleEvent(ev Event) {
	switch ev.Kind {
	case ManifestParsed:
		// the manifest alone does not mean media data is available
		m.resetTracking()
	case LevelLoaded:
		m.readyCheck()
		m.scheduleClear(m.cfg.LevelSettle)
	case FragmentLoaded:
		m.readyCheck()
		m.scheduleClear(m.cfg.FragmentSettle)
	case FragmentParsed:
		m.markHealthy()
	case EngineError:
		m.handleError(ev.ErrorType, ev.Fatal)
	}
}

// LoadedData handles the element's own data-ready signal.
func (m *Monitor) LoadedData() {
	m.readyCheck()
}

// ClearIfPlaying returns to healthy when the element is actually playing.
func (m *Monitor) ClearIfPlaying() {
	if m.el == nil {
		return
	}
	if !m.el.Paused() && !m.el.Ended() && m.el.ReadyState() >= HaveCurrentData && !m.el.Seeking() {
		m.markHealthy()
	}
}

// ScheduleErrorClear re-checks playback after delay, replacing any pending check.
func (m *Monitor) ScheduleErrorClear(delay time.Duration) {
	if delay <= 0 {
		delay = m.cfg.ErrorClearDelay
	}
	m.scheduleClear(delay)
}

// ClearError forces the healthy state.
func (m *Monitor) ClearError() {
	m.markHealthy()
}

func (m *Monitor) handleError(errorType string, fatal bool) {
	now := m.sched.Now()
	if m.errorStart.IsZero() {
		m.errorStart = now
	}
	m.errorCount++
	ilog.EventInfo(context.Background(), "stream_error", "type", errorType, "fatal", fatal, "count", m.errorCount)

	if fatal || m.unrecoverable(now) {
		m.fail()
		return
	}
	m.set(Recovering, MessageLoading, true)
	if m.recovery == nil {
		m.recovery = m.sched.Every(m.cfg.RecoveryCheckInterval, func() {
			if m.unrecoverable(m.sched.Now()) {
				m.fail()
			}
		})
	}
}

func (m *Monitor) unrecoverable(now time.Time) bool {
	if m.errorStart.IsZero() {
		return false
	}
	return now.Sub(m.errorStart) > m.cfg.MaxErrorDuration || m.errorCount > m.cfg.MaxErrorCount
}

func (m *Monitor) fail() {
	ilog.EventInfo(context.Background(), "stream_failed", "count", m.errorCount)
	m.resetTracking()
	m.set(Failed, MessageFailed, false)
}

func (m *Monitor) readyCheck() {
	if m.el == nil {
		return
	}
	if m.el.ReadyState() >= HaveCurrentData && m.el.Duration() > 0 {
		m.markHealthy()
	}
}

func (m *Monitor) markHealthy() {
	m.cancelSettle()
	m.resetTracking()
	m.set(Healthy, "", false)
}

func (m *Monitor) scheduleClear(delay time.Duration) {
	m.cancelSettle()
	m.settle = m.sched.AfterFunc(delay, func() {
		m.settle = nil
		m.ClearIfPlaying()
	})
}

func (m *Monitor) cancelSettle() {
	if m.settle != nil {
		m.settle.Stop()
		m.settle = nil
	}
}

func (m *Monitor) resetTracking() {
	m.errorStart = time.Time{}
	m.errorCount = 0
	if m.recovery != nil {
		m.recovery.Stop()
		m.recovery = nil
	}
}

func (m *Monitor) set(state State, message string, loading bool) {
	next := makeStatus(state, message, loading)
	if next == m.status {
		return
	}
	m.status = next
	for _, fn := range m.observers {
		fn(next)
	}
}

func makeStatus(state State, message string, loading bool) Status {
	return Status{State: state, Name: state.String(), Message: message, Loading: loading}
}
