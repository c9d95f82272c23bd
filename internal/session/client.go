package session

import (
	"context"
	"errors"
	"sync"
)

var ErrEmptyToken = errors.New("empty token")

// Caller runs fn on the agent's loop and waits for it.
type Caller interface {
	Call(ctx context.Context, fn func()) error
}

// Client is the goroutine-safe face of an Agent, used by the control API
// and the REPL.
type Client struct {
	agent *Agent
	loop  Caller

	mu       sync.RWMutex
	latest   State
	watchers map[uint64]chan State
	nextID   uint64
}

// NewClient must be called before the loop starts running, or from it.
func NewClient(agent *Agent, caller Caller) *Client {
	c := &Client{
		agent:    agent,
		loop:     caller,
		latest:   agent.State(),
		watchers: make(map[uint64]chan State),
	}
	agent.OnChange(c.publish)
	return c
}

// publish runs on the loop. Slow watchers lose intermediate states.
func (c *Client) publish(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = s
	for _, ch := range c.watchers {
		select {
		case ch <- s:
		default:
		}
	}
}

// Snapshot returns the last published state without touching the loop.
func (c *Client) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// Watch streams state changes until cancel is called.
func (c *Client) Watch(buffer int) (<-chan State, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan State, buffer)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = ch
	ch <- c.latest
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Client) State(ctx context.Context) (State, error) {
	var s State
	err := c.loop.Call(ctx, func() { s = c.agent.State() })
	return s, err
}

// DebugFrames skips the loop; the frame ring guards itself with a mutex.
func (c *Client) DebugFrames() []string {
	return c.agent.DebugFrames()
}

// Play waits until the local player has started or refused.
func (c *Client) Play(ctx context.Context) (bool, error) {
	type result struct {
		synced bool
		err    error
	}
	res := make(chan result, 1)
	if err := c.loop.Call(ctx, func() {
		c.agent.Play(func(synced bool, err error) { res <- result{synced, err} })
	}); err != nil {
		return false, err
	}
	select {
	case r := <-res:
		return r.synced, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Client) Pause(ctx context.Context) (bool, error) {
	var synced bool
	err := c.loop.Call(ctx, func() { synced = c.agent.Pause() })
	return synced, err
}

func (c *Client) Seek(ctx context.Context, seconds float64) (bool, error) {
	var synced bool
	err := c.loop.Call(ctx, func() { synced = c.agent.Seek(seconds) })
	return synced, err
}

func (c *Client) SetVideoURL(ctx context.Context, url string) (bool, error) {
	var synced bool
	err := c.loop.Call(ctx, func() { synced = c.agent.SetVideoURL(url) })
	return synced, err
}

func (c *Client) ResumePlayback(ctx context.Context) (bool, error) {
	var started bool
	err := c.loop.Call(ctx, func() { started = c.agent.ResumePlayback() })
	return started, err
}

func (c *Client) EnterRoom(ctx context.Context, roomID int64) (bool, error) {
	var sent bool
	err := c.loop.Call(ctx, func() { sent = c.agent.EnterRoom(roomID) })
	return sent, err
}

func (c *Client) LeaveRoom(ctx context.Context) (bool, error) {
	var sent bool
	err := c.loop.Call(ctx, func() { sent = c.agent.LeaveRoom() })
	return sent, err
}

func (c *Client) SetToken(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	return c.loop.Call(ctx, func() { c.agent.SetCredential(token) })
}

func (c *Client) ClearToken(ctx context.Context) error {
	return c.loop.Call(ctx, c.agent.ClearCredential)
}
