// Package videosync translates between local playback intents and the room
// sync protocol, compensating for the time a message spent in flight.
package videosync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RanFeng/ilog"

	"icinema/internal/loop"
	"icinema/internal/notify"
	"icinema/internal/player"
	"icinema/internal/protocol"
	"icinema/internal/userinfo"
)

const DefaultRestoreSettle = 500 * time.Millisecond

// ErrSuperseded is reported for a play that finished after a later pause,
// seek or source change had already been applied.
var ErrSuperseded = errors.New("play superseded by a later command")

const (
	msgSetURL         = "%s set the video URL"
	msgStarted        = "%s started playback"
	msgPaused         = "%s paused the video"
	msgJumped         = "%s adjusted the video progress"
	msgRestored       = "room playback state restored"
	msgResumeFailed   = "playback failed, please try again later"
	msgAutoplayNotice = "playback is waiting for you, press resume to continue"
)

// Sender is the outbound side of the channel.
type Sender interface {
	Send(msg protocol.Message) bool
}

// PendingAutoplay is a play request the runtime refused without a gesture.
type PendingAutoplay struct {
	Controls player.Controls
	Progress float64
	SenderID int64
}

type Config struct {
	RestoreSettle time.Duration
}

// Coordinator must be used from the scheduler's loop.
type Coordinator struct {
	cfg      Config
	sched    loop.Scheduler
	out      Sender
	controls player.Controls
	users    userinfo.Resolver
	toasts   *notify.Notifier

	pending   *PendingAutoplay
	restore   loop.Timer
	observers []func(blocked bool)

	// generation advances on every command that overrides a play in flight.
	// playGen is the generation of the latest play request.
	generation uint64
	playGen    uint64
}

func NewCoordinator(cfg Config, sched loop.Scheduler, out Sender, controls player.Controls, users userinfo.Resolver, toasts *notify.Notifier) *Coordinator {
	if cfg.RestoreSettle <= 0 {
		cfg.RestoreSettle = DefaultRestoreSettle
	}
	return &Coordinator{
		cfg:      cfg,
		sched:    sched,
		out:      out,
		controls: controls,
		users:    users,
		toasts:   toasts,
	}
}

// CompensatedTarget is where a peer's seek lands once the time the message
// spent in flight is added. It never goes below zero.
func CompensatedTarget(offset float64, sent, received time.Time) float64 {
	target := offset + float64(received.UnixMilli()-sent.UnixMilli())/1000
	return max(0, target)
}

// Extrapolate projects a playing position recorded at opTime onto now.
func Extrapolate(progress float64, opTime, now time.Time) float64 {
	actual := progress
	if !opTime.IsZero() {
		actual += float64(now.UnixMilli()-opTime.UnixMilli()) / 1000
	}
	return max(0, actual)
}

func (c *Coordinator) SyncPlay(roomID, userID int64, progress float64) bool {
	return c.out.Send(&protocol.SetVideoStart{Header: c.header(roomID, userID), Progress: &progress})
}

func (c *Coordinator) SyncPause(roomID, userID int64, progress float64) bool {
	return c.out.Send(&protocol.SetVideoPause{Header: c.header(roomID, userID), Progress: &progress})
}

func (c *Coordinator) SyncSeek(roomID, userID int64, offset float64) bool {
	return c.out.Send(&protocol.SetVideoJump{Header: c.header(roomID, userID), VideoTimeOffset: &offset})
}

func (c *Coordinator) SyncVideoURL(roomID, userID int64, url string) bool {
	return c.out.Send(&protocol.SetVideoURL{Header: c.header(roomID, userID), URL: url})
}

func (c *Coordinator) header(roomID, userID int64) protocol.Header {
	return protocol.Header{
		RoomID:    roomID,
		SenderID:  protocol.UserID(userID),
		Timestamp: protocol.FromMillis(protocol.Millis(c.sched.Now())),
	}
}

// HandleMessage applies one inbound sync message. allowProgressSync is only
// set when replaying room state; live peer starts keep the local position.
func (c *Coordinator) HandleMessage(msg protocol.Message, allowProgressSync bool) {
	switch m := msg.(type) {
	case *protocol.SetVideoURL:
		if m.URL == "" {
			c.drop(m, "empty url")
			return
		}
		c.Supersede()
		c.controls.LoadVideo(m.URL, player.LoadOptions{AutoPlay: false})
		c.clearPending()
		c.announce(int64(m.SenderID), msgSetURL)

	case *protocol.SetVideoStart:
		c.handleStart(m, allowProgressSync)

	case *protocol.SetVideoPause:
		c.Supersede()
		c.controls.Pause()
		c.announce(int64(m.SenderID), msgPaused)

	case *protocol.SetVideoJump:
		if m.VideoTimeOffset == nil || !m.Timestamp.Numeric {
			c.drop(m, "non-numeric offset or timestamp")
			return
		}
		target := CompensatedTarget(*m.VideoTimeOffset, m.Timestamp.Time, c.sched.Now())
		c.Supersede()
		c.controls.SeekTo(target)
		c.controls.Pause()
		c.announce(int64(m.SenderID), msgJumped)

	case *protocol.RoomEntered:
		if m.RoomInfo == nil || m.RoomInfo.VideoURL == "" {
			return
		}
		c.Supersede()
		c.controls.LoadVideo(m.RoomInfo.VideoURL, player.LoadOptions{AutoPlay: false})
		c.clearPending()
	}
}

func (c *Coordinator) handleStart(m *protocol.SetVideoStart, allowProgressSync bool) {
	progress := 0.0
	if allowProgressSync && m.Progress != nil {
		progress = *m.Progress
		c.controls.SeekTo(progress)
	}
	sender := int64(m.SenderID)
	gen := c.generation
	c.sched.Post(func() {
		if gen != c.generation {
			ilog.EventInfo(context.Background(), "start_superseded", "senderID", sender)
			return
		}
		c.play(c.controls, func() {
			c.announce(sender, msgStarted)
		}, func(error) {
			c.block(progress, sender)
		}, nil)
	})
}

// HandleRoomStateRestore rebuilds local playback from the room snapshot.
func (c *Coordinator) HandleRoomStateRestore(snap *protocol.RoomSnapshot) {
	if snap == nil {
		return
	}
	c.cancelRestore()
	c.Supersede()
	ctx := context.Background()
	gen := c.generation

	if snap.VideoURL != "" {
		c.controls.LoadVideo(snap.VideoURL, player.LoadOptions{AutoPlay: false})
		c.clearPending()
	}

	var sender int64
	if snap.LastOperationUser != nil {
		sender = *snap.LastOperationUser
	}

	switch snap.LastOperationType {
	case protocol.OperationPlay:
		actual := Extrapolate(snap.LastOperationProgress, snap.LastOperationTime.Time, c.sched.Now())
		ilog.EventInfo(ctx, "restore_play", "progress", snap.LastOperationProgress, "actual", actual)
		c.controls.SeekTo(actual)
		c.restore = c.sched.AfterFunc(c.cfg.RestoreSettle, func() {
			c.restore = nil
			if gen != c.generation {
				return
			}
			c.play(c.controls, func() {
				c.toasts.Show(msgRestored)
			}, func(error) {
				c.block(actual, sender)
			}, nil)
		})

	case protocol.OperationPause, protocol.OperationSeek:
		ilog.EventInfo(ctx, "restore_paused", "progress", snap.LastOperationProgress)
		c.controls.SeekTo(snap.LastOperationProgress)
		c.restore = c.sched.AfterFunc(c.cfg.RestoreSettle, func() {
			c.restore = nil
			if gen != c.generation {
				return
			}
			c.controls.Pause()
		})
	}
}

// ResumePlayback retries the pending play after a user gesture. A failed
// retry is reported but never queues another pending request.
func (c *Coordinator) ResumePlayback() bool {
	p := c.pending
	if p == nil {
		return false
	}
	if p.Progress > 0 {
		p.Controls.SeekTo(p.Progress)
	}
	c.play(p.Controls, func() {
		if c.pending == p {
			c.pending = nil
			c.emitPending()
		}
		c.toasts.Show(msgRestored)
	}, func(error) {
		c.toasts.Show(msgResumeFailed)
	}, nil)
	return true
}

// Play starts local playback on behalf of the user. done receives
// ErrSuperseded when a later command overrode the play before it finished.
func (c *Coordinator) Play(done func(error)) {
	c.play(c.controls, func() { done(nil) }, done, func() { done(ErrSuperseded) })
}

// Supersede marks every play still in flight as stale. Commands that override
// playback call it before touching the player. A stale play that succeeds is
// paused again unless a newer play was requested.
func (c *Coordinator) Supersede() {
	c.generation++
}

func (c *Coordinator) Pending() (PendingAutoplay, bool) {
	if c.pending == nil {
		return PendingAutoplay{}, false
	}
	return *c.pending, true
}

func (c *Coordinator) AutoplayBlocked() bool {
	return c.pending != nil
}

func (c *Coordinator) OnPendingChange(fn func(blocked bool)) {
	c.observers = append(c.observers, fn)
}

// Reset cancels the restore timer, drops deferred and in-flight plays and
// forgets any pending autoplay.
func (c *Coordinator) Reset() {
	c.cancelRestore()
	c.Supersede()
	c.clearPending()
}

// play runs controls.Play off the loop. Results that come back after a
// Supersede skip onPlaying and onFailed; onStale may be nil.
func (c *Coordinator) play(controls player.Controls, onPlaying func(), onFailed func(error), onStale func()) {
	gen := c.generation
	c.playGen = gen
	c.sched.Go(func() error {
		return controls.Play(context.Background())
	}, func(err error) {
		if gen != c.generation {
			if err == nil && c.playGen != c.generation {
				controls.Pause()
			}
			ilog.EventInfo(context.Background(), "play_superseded", "repaused", err == nil && c.playGen != c.generation)
			if onStale != nil {
				onStale()
			}
			return
		}
		if err != nil {
			ilog.EventInfo(context.Background(), "play_rejected", "err", err.Error())
			onFailed(err)
			return
		}
		onPlaying()
	})
}

func (c *Coordinator) block(progress float64, sender int64) {
	c.pending = &PendingAutoplay{Controls: c.controls, Progress: progress, SenderID: sender}
	c.emitPending()
	c.toasts.Show(msgAutoplayNotice)
}

func (c *Coordinator) clearPending() {
	if c.pending == nil {
		return
	}
	c.pending = nil
	c.emitPending()
}

func (c *Coordinator) emitPending() {
	blocked := c.pending != nil
	for _, fn := range c.observers {
		fn(blocked)
	}
}

func (c *Coordinator) cancelRestore() {
	if c.restore != nil {
		c.restore.Stop()
		c.restore = nil
	}
}

// announce resolves the sender's name off the loop, then raises the toast.
func (c *Coordinator) announce(senderID int64, format string) {
	name := userinfo.Placeholder
	c.sched.Go(func() error {
		name = userinfo.DisplayName(context.Background(), c.users, senderID)
		return nil
	}, func(error) {
		c.toasts.Show(fmt.Sprintf(format, name))
	})
}

func (c *Coordinator) drop(msg protocol.Message, reason string) {
	ilog.EventInfo(context.Background(), "sync_message_ignored", "type", string(msg.Type()), "reason", reason)
}
