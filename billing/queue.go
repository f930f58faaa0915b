package billing

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pendingOperation is a deferred platform call. run executes it against a
// connected handle; fail surfaces a connection error instead. discard, if set,
// releases internal bookkeeping when the operation is dropped on teardown and
// never reaches the caller.
type pendingOperation struct {
	id      uuid.UUID
	name    string
	run     func(client Client)
	fail    func(err *Error)
	discard func()
}

func newPendingOperation(name string, run func(Client), fail func(*Error)) *pendingOperation {
	return &pendingOperation{
		id:   uuid.New(),
		name: name,
		run:  run,
		fail: fail,
	}
}

func (op *pendingOperation) onDiscard(fn func()) *pendingOperation {
	op.discard = fn
	return op
}

// requestQueue buffers operations until the connection is live. Every method
// must run on the executor.
type requestQueue struct {
	log     *zap.Logger
	conn    *connectionState
	pending []*pendingOperation
}

func newRequestQueue(log *zap.Logger, conn *connectionState) *requestQueue {
	q := &requestQueue{
		log:  log,
		conn: conn,
	}
	conn.queue = q
	return q
}

func (q *requestQueue) enqueueOrRun(op *pendingOperation) {
	if q.conn.Status() == StatusConnected && q.conn.client != nil {
		op.run(q.conn.client)
		return
	}

	q.log.Debug("Queueing billing operation until connected",
		zap.String("operation", op.name),
		zap.String("operation_id", op.id.String()),
	)

	q.pending = append(q.pending, op)
	q.conn.ensureConnected()
}

// drain runs queued operations in FIFO order. Each operation is removed
// before it runs, so operations that enqueue more work are handled.
func (q *requestQueue) drain() {
	for len(q.pending) > 0 {
		if q.conn.Status() != StatusConnected || q.conn.client == nil {
			return
		}

		op := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]

		q.log.Debug("Running queued billing operation",
			zap.String("operation", op.name),
			zap.String("operation_id", op.id.String()),
		)

		op.run(q.conn.client)
	}
	q.pending = nil
}

func (q *requestQueue) failAll(err *Error) {
	pending := q.pending
	q.pending = nil

	for _, op := range pending {
		if op.fail != nil {
			op.fail(err)
		}
	}
}

// discard drops every queued operation without notifying anyone.
func (q *requestQueue) discard() {
	pending := q.pending
	q.pending = nil

	if len(pending) > 0 {
		q.log.Debug("Discarding queued billing operations", zap.Int("count", len(pending)))
	}

	for _, op := range pending {
		if op.discard != nil {
			op.discard()
		}
	}
}

func (q *requestQueue) size() int {
	return len(q.pending)
}
