package player

import (
	"context"
	"errors"
	"strings"

	"github.com/RanFeng/ilog"

	"icinema/internal/health"
	"icinema/internal/loop"
)

var (
	ErrNoElement       = errors.New("video element not found")
	ErrAutoplayBlocked = errors.New("autoplay blocked: user gesture required")
)

const hlsMIME = "application/vnd.apple.mpegurl"

type LoadOptions struct {
	AutoPlay bool
}

// Controls is what the sync layer drives.
type Controls interface {
	// Play may block until the element starts; a rejection is returned as error.
	Play(ctx context.Context) error
	Pause()
	SeekTo(seconds float64)
	LoadVideo(url string, opts LoadOptions)
}

// MediaElement is the standard media element the facade plays into.
type MediaElement interface {
	health.Element
	Play(ctx context.Context) error
	Pause()
	SetCurrentTime(seconds float64)
	CurrentTime() float64
	SetSource(url string)
	CanPlayType(mime string) bool
}

// Engine is the external adaptive streaming engine.
type Engine interface {
	Supported() bool
	// Open loads url into el. emit may be called from any goroutine.
	Open(url string, el MediaElement, emit func(health.Event)) (Stream, error)
}

// Stream is one engine attachment.
type Stream interface {
	Destroy()
}

// Facade implements Controls over an element and an optional engine and
// feeds the health monitor. It must be used from the scheduler's loop,
// except Play which is safe to call from any goroutine.
type Facade struct {
	sched   loop.Scheduler
	el      MediaElement
	engine  Engine
	monitor *health.Monitor

	stream     Stream
	generation uint64
	source     string
}

func NewFacade(sched loop.Scheduler, el MediaElement, engine Engine, monitor *health.Monitor) *Facade {
	return &Facade{
		sched:   sched,
		el:      el,
		engine:  engine,
		monitor: monitor,
	}
}

func (f *Facade) Play(ctx context.Context) error {
	if f.el == nil {
		return ErrNoElement
	}
	return f.el.Play(ctx)
}

func (f *Facade) Pause() {
	if f.el != nil {
		f.el.Pause()
	}
}

func (f *Facade) SeekTo(seconds float64) {
	if f.el != nil {
		f.el.SetCurrentTime(seconds)
	}
}

func (f *Facade) CurrentTime() float64 {
	if f.el == nil {
		return 0
	}
	return f.el.CurrentTime()
}

func (f *Facade) Source() string {
	return f.source
}

func (f *Facade) LoadVideo(url string, opts LoadOptions) {
	if f.el == nil || url == "" {
		return
	}
	f.Destroy()
	f.source = url
	f.monitor.Begin(f.el)
	ctx := context.Background()

	if !strings.HasSuffix(strings.ToLower(stripQuery(url)), ".m3u8") {
		f.el.SetSource(url)
		f.monitor.Ready()
		f.autoPlay(opts)
		return
	}

	if f.engine != nil && f.engine.Supported() {
		gen := f.generation
		stream, err := f.engine.Open(url, f.el, func(ev health.Event) {
			f.sched.Post(func() { f.onEngineEvent(gen, ev, opts) })
		})
		if err != nil {
			ilog.EventInfo(ctx, "engine_open_failed", "url", url, "err", err.Error())
			f.monitor.HandleEvent(health.Event{Kind: health.EngineError, ErrorType: "openError", Fatal: true})
			return
		}
		f.stream = stream
		return
	}

	if f.el.CanPlayType(hlsMIME) {
		f.el.SetSource(url)
		f.monitor.Ready()
		f.autoPlay(opts)
		return
	}

	f.monitor.Unsupported()
}

// Destroy detaches the engine and ends the monitor's session.
func (f *Facade) Destroy() {
	f.generation++
	if f.stream != nil {
		f.stream.Destroy()
		f.stream = nil
	}
	f.monitor.Teardown()
}

// ElementLoadedData forwards the element's data-ready event.
func (f *Facade) ElementLoadedData() {
	f.monitor.LoadedData()
}

// ElementPlaying forwards play/timeupdate readiness from the element.
func (f *Facade) ElementPlaying() {
	f.monitor.ClearIfPlaying()
}

func (f *Facade) onEngineEvent(gen uint64, ev health.Event, opts LoadOptions) {
	if gen != f.generation {
		return
	}
	f.monitor.HandleEvent(ev)
	if ev.Kind == health.ManifestParsed {
		f.autoPlay(opts)
	}
}

func (f *Facade) autoPlay(opts LoadOptions) {
	if !opts.AutoPlay {
		return
	}
	f.sched.Go(func() error {
		return f.el.Play(context.Background())
	}, func(err error) {
		if err != nil {
			ilog.EventInfo(context.Background(), "autoplay_failed", "err", err.Error())
		}
	})
}

func stripQuery(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		return url[:i]
	}
	return url
}
