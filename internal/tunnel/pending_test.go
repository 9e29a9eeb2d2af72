package tunnel

import (
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/pocketagent/relay/internal/errors"
	"github.com/pocketagent/relay/internal/protocol"
)

func TestPendingCorrelationOutOfOrder(t *testing.T) {
	p := NewPending()

	const n = 10
	channels := make(map[string]<-chan Result, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("req-%d", i)
		channels[id] = p.Add(id)
	}

	// Resolve in reverse order; each waiter must still get its own
	// response.
	for i := n - 1; i >= 0; i-- {
		id := fmt.Sprintf("req-%d", i)
		p.Resolve(protocol.NewResponse(id, 200, nil))
	}

	for id, ch := range channels {
		select {
		case res := <-ch:
			if res.Err != nil {
				t.Fatalf("waiter %s got error: %v", id, res.Err)
			}
			if res.Env.RequestID != id {
				t.Errorf("waiter %s received response for %s", id, res.Env.RequestID)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %s never resolved", id)
		}
	}

	if p.Count() != 0 {
		t.Errorf("pending count = %d after all resolved, want 0", p.Count())
	}
}

func TestPendingFailAll(t *testing.T) {
	p := NewPending()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		ch := p.Add(fmt.Sprintf("req-%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := <-ch
			if !apperrors.IsCode(res.Err, apperrors.CodeTunnelClosed) {
				t.Errorf("expected tunnel.closed, got %v", res.Err)
			}
		}()
	}

	p.FailAll()
	wg.Wait()

	if p.Count() != 0 {
		t.Errorf("pending count = %d after FailAll, want 0", p.Count())
	}
}

func TestPendingResolveUnknownIsDropped(t *testing.T) {
	p := NewPending()
	// Must not panic or block.
	p.Resolve(protocol.NewResponse("never-registered", 200, nil))
}

func TestPendingRemove(t *testing.T) {
	p := NewPending()
	p.Add("req-1")
	p.Remove("req-1")
	if p.Count() != 0 {
		t.Errorf("pending count = %d after Remove, want 0", p.Count())
	}
}
