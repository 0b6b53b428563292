package callsession

import (
	"context"
	"sync"

	"github.com/LingByte/CareCall/pkg/protocol"
	"go.uber.org/zap"
)

// outgoing is one queued signaling message.
type outgoing struct {
	what    string
	typ     protocol.MessageType
	payload interface{}
	// attempt is the reconnect attempt the message drives, 0 for none.
	attempt int
}

type sendFunc func(ctx context.Context, t protocol.MessageType, payload interface{}) error

// outbox publishes signaling messages in order on its own goroutine, so
// transport retries never block the session loop.
type outbox struct {
	send   sendFunc
	onFail func(outgoing, error)
	log    *zap.Logger

	mu    sync.Mutex
	queue []outgoing
	wake  chan struct{}
	done  chan struct{}
}

func newOutbox(send sendFunc, onFail func(outgoing, error), log *zap.Logger) *outbox {
	return &outbox{
		send:   send,
		onFail: onFail,
		log:    log,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push queues m. It never blocks.
func (o *outbox) push(m outgoing) {
	o.mu.Lock()
	o.queue = append(o.queue, m)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) pop() (outgoing, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return outgoing{}, false
	}
	m := o.queue[0]
	o.queue[0] = outgoing{}
	o.queue = o.queue[1:]
	return m, true
}

func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// run sends until ctx ends. Messages still queued then are dropped.
func (o *outbox) run(ctx context.Context) {
	defer close(o.done)
	for {
		m, ok := o.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			o.log.Debug("outgoing signaling dropped", zap.Int("count", o.pending()+1))
			return
		}
		if err := o.send(ctx, m.typ, m.payload); err != nil && ctx.Err() == nil {
			o.onFail(m, err)
		}
	}
}
