package tunnel

import (
	"sync"

	"github.com/pocketagent/relay/internal/errors"
	"github.com/pocketagent/relay/internal/protocol"
)

// Pending correlates in-flight http_request envelopes with their
// http_response by requestId. Responses may arrive in any order relative
// to the requests that caused them.
type Pending struct {
	mu      sync.Mutex
	waiters map[string]chan Result
}

// Result is delivered to exactly one waiter: either the matching
// response envelope or the error that made it unreachable.
type Result struct {
	Env protocol.Envelope
	Err error
}

// NewPending returns an empty correlation table.
func NewPending() *Pending {
	return &Pending{waiters: make(map[string]chan Result)}
}

// Add registers a waiter for the given request id. The returned channel
// receives exactly one result.
func (p *Pending) Add(requestID string) <-chan Result {
	ch := make(chan Result, 1)
	p.mu.Lock()
	p.waiters[requestID] = ch
	p.mu.Unlock()
	return ch
}

// Remove drops a waiter that gave up (caller deadline expired).
func (p *Pending) Remove(requestID string) {
	p.mu.Lock()
	delete(p.waiters, requestID)
	p.mu.Unlock()
}

// Resolve delivers a response to its waiter. Responses with no waiter
// are dropped; the caller already went away.
func (p *Pending) Resolve(env protocol.Envelope) {
	p.mu.Lock()
	ch, ok := p.waiters[env.RequestID]
	if ok {
		delete(p.waiters, env.RequestID)
	}
	p.mu.Unlock()
	if ok {
		ch <- Result{Env: env}
	}
}

// FailAll errors out every waiter. Called when the tunnel drops so no
// caller hangs on a response that can never arrive.
func (p *Pending) FailAll() {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan Result)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- Result{Err: errors.TunnelClosed()}
	}
}

// Count reports the number of in-flight requests.
func (p *Pending) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
