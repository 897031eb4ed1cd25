package cacheutil

import (
	"context"
	"sync"

	"github.com/buildbuddy-io/contentcache/server/interfaces"
)

// Callback is a general purpose interfaces.CacheCallback. It records the
// delivered value and state, and lets callers block until Done has fired,
// which makes it usable with blocking and non-blocking caches alike.
type Callback struct {
	mu        sync.Mutex
	value     []byte
	state     interfaces.CacheKeyState
	called    bool
	validator func(key string, state interfaces.CacheKeyState) bool
	done      chan struct{}
}

func NewCallback() *Callback {
	return &Callback{
		state: interfaces.NotFound,
		done:  make(chan struct{}),
	}
}

// NewValidatingCallback returns a Callback that accepts a candidate only if
// validator returns true.
func NewValidatingCallback(validator func(key string, state interfaces.CacheKeyState) bool) *Callback {
	cb := NewCallback()
	cb.validator = validator
	return cb
}

func (c *Callback) SetValue(value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
}

func (c *Callback) Value() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *Callback) ValidateCandidate(key string, state interfaces.CacheKeyState) bool {
	if c.validator == nil {
		return true
	}
	return c.validator(key, state)
}

func (c *Callback) Done(state interfaces.CacheKeyState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.called {
		panic("cacheutil.Callback: Done called more than once")
	}
	c.called = true
	c.state = state
	close(c.done)
}

// Wait blocks until Done has been called. For blocking caches it returns
// immediately.
func (c *Callback) Wait() {
	<-c.done
}

// State returns the state passed to Done, or NotFound if Done has not been
// called yet.
func (c *Callback) State() interfaces.CacheKeyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Callback) Called() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.called
}

// ValidateAndReport gives cb a chance to veto the candidate and then
// delivers the final state. The value of a NotFound result is cleared.
func ValidateAndReport(key string, state interfaces.CacheKeyState, cb interfaces.CacheCallback) {
	if !cb.ValidateCandidate(key, state) {
		state = interfaces.NotFound
	}
	if state == interfaces.NotFound {
		cb.SetValue(nil)
	}
	cb.Done(state)
}

// MultiGet serves every request in order with the given single-key Get.
func MultiGet(ctx context.Context, get func(ctx context.Context, key string, cb interfaces.CacheCallback), reqs []*interfaces.MultiGetRequest) {
	for _, req := range reqs {
		get(ctx, req.Key, req.Callback)
	}
}

// ReportMultiGetNotFound answers every request with NotFound.
func ReportMultiGetNotFound(reqs []*interfaces.MultiGetRequest) {
	for _, req := range reqs {
		ValidateAndReport(req.Key, interfaces.NotFound, req.Callback)
	}
}
