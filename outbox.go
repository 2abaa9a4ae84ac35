package connectlink

import (
	"context"
	"sync"
)

type outboxOp struct {
	token   string
	payload Payload
}

// outbox is a per-conversation FIFO of appends with one in flight at a time,
// so the backend sees sends in the order the user made them.
type outbox struct {
	mu     sync.Mutex
	queue  []outboxOp
	wake   chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(op outboxOp) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, op)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

func (o *outbox) pop() (outboxOp, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return outboxOp{}, false
	}
	op := o.queue[0]
	o.queue[0] = outboxOp{}
	o.queue = o.queue[1:]
	return op, true
}

func (o *outbox) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.mu.Unlock()
}

// run drains the queue until ctx is done, calling send for one op at a time.
func (o *outbox) run(ctx context.Context, send func(context.Context, outboxOp)) {
	for {
		for {
			op, ok := o.pop()
			if !ok {
				break
			}
			if ctx.Err() != nil {
				return
			}
			send(ctx, op)
		}
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}
	}
}
