// Package conversation pairs outgoing requests with the responses that answer
// them on one connection.
package conversation

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabieror/elwasys-common/pkg/errors"
	"github.com/kabieror/elwasys-common/pkg/message"
)

type UnknownConversationError struct {
	ConversationId int64
}

func (e *UnknownConversationError) Error() string {
	return fmt.Sprintf("No pending conversation with id=%d", e.ConversationId)
}

// Tracker owns the id counter and the pending table of one connection. Only
// ids issued by the local side are ever registered, so requests initiated by
// the peer never collide with local waits.
type Tracker struct {
	nextId atomic.Int64

	mut_pending sync.Mutex
	pending     map[int64]chan *message.Message
	closed      bool
	closeErr    error
	done        chan struct{}
}

func NewTracker(seed int64) *Tracker {
	t := &Tracker{
		pending: make(map[int64]chan *message.Message),
		done:    make(chan struct{}),
	}
	t.nextId.Store(seed)
	return t
}

// NewRandomTracker seeds the counter randomly so that ids of successive
// connections do not repeat.
func NewRandomTracker() *Tracker {
	return NewTracker(rand.Int63())
}

// Next allocates an id without registering a wait. Used for fire-and-forget
// commands.
func (t *Tracker) Next() int64 {
	for {
		id := t.nextId.Add(1) - 1
		if id != message.NoConversation {
			return id
		}
	}
}

// Issue stamps req with a fresh id and registers a single-slot queue for its
// response.
func (t *Tracker) Issue(req *message.Message) (int64, error) {
	t.mut_pending.Lock()
	defer t.mut_pending.Unlock()

	if t.closed {
		return message.NoConversation, t.closeErr
	}

	id := t.Next()
	for {
		if _, taken := t.pending[id]; !taken {
			break
		}
		id = t.Next()
	}

	t.pending[id] = make(chan *message.Message, 1)
	req.ConversationId = id
	return id, nil
}

// Await blocks until the response for id arrives, the timeout elapses, ctx is
// cancelled or the tracker is closed. The entry is retired in every case. A
// timeout yields errors.ErrNoResponse; a non-positive timeout waits on ctx
// alone.
func (t *Tracker) Await(ctx context.Context, id int64, timeout time.Duration) (*message.Message, error) {
	t.mut_pending.Lock()
	slot, ok := t.pending[id]
	t.mut_pending.Unlock()
	if !ok {
		return nil, &UnknownConversationError{ConversationId: id}
	}
	defer t.Retire(id)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case m := <-slot:
		return m, nil
	case <-expired:
		return nil, errors.ErrNoResponse
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		// A response may have raced the shutdown.
		select {
		case m := <-slot:
			return m, nil
		default:
		}
		return nil, t.closeErr
	}
}

// Deliver hands m to the caller waiting on its conversation id. It returns
// false when nobody waits for that id or the wait already holds a response;
// the caller must report such traffic back to the peer.
func (t *Tracker) Deliver(m *message.Message) bool {
	t.mut_pending.Lock()
	defer t.mut_pending.Unlock()

	slot, ok := t.pending[m.ConversationId]
	if !ok {
		return false
	}
	select {
	case slot <- m:
		return true
	default:
		return false
	}
}

func (t *Tracker) Retire(id int64) {
	t.mut_pending.Lock()
	defer t.mut_pending.Unlock()
	delete(t.pending, id)
}

// Pending returns the number of outstanding waits.
func (t *Tracker) Pending() int {
	t.mut_pending.Lock()
	defer t.mut_pending.Unlock()
	return len(t.pending)
}

// Close wakes every waiter with cause (errors.ErrConnectionClosed if nil) and
// rejects further Issue calls. Safe to call more than once; the first cause
// wins.
func (t *Tracker) Close(cause error) {
	t.mut_pending.Lock()
	defer t.mut_pending.Unlock()

	if t.closed {
		return
	}
	if cause == nil {
		cause = errors.ErrConnectionClosed
	}
	t.closed = true
	t.closeErr = cause
	close(t.done)
}
