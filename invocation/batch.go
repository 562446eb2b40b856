package invocation

import (
	"context"

	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/sasha-s/go-deadlock"
)

// BatchQueue collects the batch requests of a proxy until they are
// flushed together in one message.
type BatchQueue struct {
	lock   deadlock.Mutex
	bodies [][]byte
	size   int
	// max is the auto flush size in bytes, 0 for none.
	max int
}

func NewBatchQueue(max int) *BatchQueue {
	return &BatchQueue{max: max}
}

// Add queues a batch request for ref. It reports whether the queue reached
// the auto flush size.
func (q *BatchQueue) Add(ref *reference.Reference, r *Request) bool {
	req := &protocol.Request{
		Identity:  ref.Identity(),
		Facet:     ref.Facet(),
		Operation: r.Operation,
		Mode:      r.Mode,
		Context:   r.Context,
		Params:    r.Params,
	}
	if req.Context == nil {
		req.Context = ref.Context()
	}
	body := protocol.EncodeBatchRequestBody(req)
	q.lock.Lock()
	defer q.lock.Unlock()
	q.bodies = append(q.bodies, body)
	q.size += len(body)
	return q.max > 0 && protocol.HeaderSize+4+q.size >= q.max
}

// Len returns the number of queued requests.
func (q *BatchQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.bodies)
}

// take empties the queue.
func (q *BatchQueue) take() [][]byte {
	q.lock.Lock()
	defer q.lock.Unlock()
	bodies := q.bodies
	q.bodies, q.size = nil, 0
	return bodies
}

// Flush sends the queued requests in one message. Batches are never
// retried: a failure drops the batch and is returned.
func (e *Engine) Flush(ctx context.Context, h Handlers, q *BatchQueue) error {
	bodies := q.take()
	if len(bodies) == 0 {
		return nil
	}
	handler := h.Get()
	if err := handler.SendBatch(ctx, bodies); err != nil {
		h.Clear(handler)
		e.opts.Metrics.Invocation("failed")
		e.trace(h.Reference(), err, nil, "batch of %d requests not retried", len(bodies))
		return err
	}
	e.opts.Metrics.Invocation("ok")
	return nil
}
