package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fleetsync/internal/logging"
	"fleetsync/internal/util"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Replayer sends one operation to the backend. Errors wrapping
// *PermanentRejectionError move the operation to the failed state; any other
// error is treated as transient.
type Replayer interface {
	Replay(ctx context.Context, op Operation) error
}

type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
	// OnFailed is called for every operation moved to the failed state.
	OnFailed func(Operation)
	// OnChange is called with the pending count after enqueue and drain.
	OnChange func(pending int)
}

// Queue is the offline write queue. It starts online; a connectivity
// observer is expected to mirror the real state with SetOnline.
type Queue struct {
	store    Store
	replayer Replayer
	logger   *zap.Logger
	now      func() time.Time
	onFailed func(Operation)
	onChange func(int)

	online atomic.Bool
	drains singleflight.Group
}

func NewQueue(store Store, replayer Replayer, opts Options) *Queue {
	q := &Queue{
		store:    store,
		replayer: replayer,
		logger:   logging.OrNop(opts.Logger),
		now:      opts.Now,
		onFailed: opts.OnFailed,
		onChange: opts.OnChange,
	}
	if q.now == nil {
		q.now = time.Now
	}
	q.online.Store(true)
	return q
}

func (q *Queue) SetOnline(online bool) {
	if q.online.Swap(online) != online {
		q.logger.Debug("queue connectivity changed", zap.Bool("online", online))
	}
}

func (q *Queue) Online() bool {
	return q.online.Load()
}

// Enqueue persists a new operation. It never touches the network. payload may
// be a json.RawMessage, a []byte holding JSON, or any JSON-marshalable value.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any) (Operation, error) {
	if kind == "" {
		return Operation{}, fmt.Errorf("%w: kind is required", ErrInvalidOperation)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return Operation{}, err
	}

	op := Operation{
		ID:             util.NewID("op"),
		Kind:           kind,
		Payload:        raw,
		IdempotencyKey: util.NewKey(),
		EnqueuedAt:     q.now().UTC(),
		Status:         StatusPending,
	}
	saved, err := q.store.Append(ctx, op)
	if err != nil {
		q.logger.Error("enqueue failed; action not saved", zap.String("kind", string(kind)), zap.Error(err))
		return Operation{}, persistenceError("enqueue", err)
	}
	q.logger.Info("operation queued",
		zap.String("id", saved.ID),
		zap.String("kind", string(saved.Kind)),
		zap.Int64("seq", saved.Seq),
	)
	q.notifyChange(ctx)
	return saved, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch value := payload.(type) {
	case nil:
		raw = []byte("{}")
	case json.RawMessage:
		raw = value
	case []byte:
		raw = value
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: encode payload: %v", ErrInvalidOperation, err)
		}
		raw = encoded
	}
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidOperation)
	}
	return json.RawMessage(raw), nil
}

// ProcessQueue replays pending operations in FIFO order. Only one pass runs at
// a time; callers arriving while a pass is in flight wait for it and receive
// its result with Coalesced set. The pass runs under the context of the caller
// that started it; if that context ends the pass early, a waiting caller whose
// own context is still live runs a fresh pass instead of inheriting the
// cancellation.
//
// A transient failure halts the pass with the failing operation still at the
// head of the queue. A permanent rejection moves the operation to the failed
// state and the pass moves on. Neither is returned as an error: error is
// reserved for the local store and context cancellation.
func (q *Queue) ProcessQueue(ctx context.Context) (DrainResult, error) {
	result, shared, err := q.sharedDrain(ctx)
	if shared && ctx.Err() == nil && cutShort(result, err) {
		result, shared, err = q.sharedDrain(ctx)
	}
	result.Coalesced = shared
	return result, err
}

func (q *Queue) sharedDrain(ctx context.Context) (DrainResult, bool, error) {
	value, err, shared := q.drains.Do("drain", func() (any, error) {
		return q.drain(ctx)
	})
	result, _ := value.(DrainResult)
	return result, shared, err
}

// cutShort reports whether a pass ended because its context did.
func cutShort(result DrainResult, err error) bool {
	if err == nil && result.Halted {
		err = result.Cause
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (q *Queue) drain(ctx context.Context) (DrainResult, error) {
	var result DrainResult
	if !q.Online() {
		result.Skipped = true
		result.Remaining, _ = q.store.Count(ctx, StatusPending)
		return result, nil
	}

	ops, err := q.store.List(ctx, StatusPending)
	if err != nil {
		return result, persistenceError("list", err)
	}
	defer q.notifyChange(ctx)

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			result.Remaining = len(ops) - i
			return result, err
		}
		if !q.Online() {
			result.Halted = true
			result.HaltedOn = op.ID
			result.Cause = errors.New("connectivity lost")
			break
		}

		replayErr := q.replayer.Replay(ctx, op)
		if replayErr == nil {
			if err := q.store.Delete(ctx, op.ID); err != nil {
				// Replayed but still queued; the idempotency key makes the
				// next attempt harmless.
				result.Halted = true
				result.HaltedOn = op.ID
				result.Cause = err
				return result, persistenceError("remove", err)
			}
			result.Replayed = append(result.Replayed, op.ID)
			q.logger.Info("operation replayed", zap.String("id", op.ID), zap.String("kind", string(op.Kind)))
			continue
		}

		attemptedAt := q.now().UTC()
		op.Attempts++
		op.LastError = replayErr.Error()
		op.LastAttemptAt = &attemptedAt

		if IsPermanent(replayErr) {
			op.Status = StatusFailed
			if err := q.store.Update(ctx, op); err != nil {
				result.Halted = true
				result.HaltedOn = op.ID
				result.Cause = replayErr
				return result, persistenceError("mark failed", err)
			}
			result.Failed = append(result.Failed, op)
			q.logger.Warn("operation rejected permanently",
				zap.String("id", op.ID),
				zap.String("kind", string(op.Kind)),
				zap.Int("attempts", op.Attempts),
				zap.Error(replayErr),
			)
			if q.onFailed != nil {
				q.onFailed(op)
			}
			continue
		}

		if err := q.store.Update(ctx, op); err != nil {
			result.Halted = true
			result.HaltedOn = op.ID
			result.Cause = replayErr
			return result, persistenceError("record attempt", err)
		}
		result.Halted = true
		result.HaltedOn = op.ID
		result.Cause = replayErr
		q.logger.Info("drain halted; operation stays queued",
			zap.String("id", op.ID),
			zap.Int("attempts", op.Attempts),
			zap.Error(replayErr),
		)
		break
	}

	remaining, err := q.store.Count(ctx, StatusPending)
	if err != nil {
		return result, persistenceError("count", err)
	}
	result.Remaining = remaining
	return result, nil
}

// Pending returns the backlog in replay order.
func (q *Queue) Pending(ctx context.Context) ([]Operation, error) {
	ops, err := q.store.List(ctx, StatusPending)
	if err != nil {
		return nil, persistenceError("list", err)
	}
	return ops, nil
}

func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	count, err := q.store.Count(ctx, StatusPending)
	if err != nil {
		return 0, persistenceError("count", err)
	}
	return count, nil
}

// Failed returns operations in the terminal failed state.
func (q *Queue) Failed(ctx context.Context) ([]Operation, error) {
	ops, err := q.store.List(ctx, StatusFailed)
	if err != nil {
		return nil, persistenceError("list", err)
	}
	return ops, nil
}

// Retry returns a failed operation to the pending backlog. It keeps its
// original Seq and therefore replays ahead of anything enqueued after it.
func (q *Queue) Retry(ctx context.Context, id string) (Operation, error) {
	op, err := q.failedOperation(ctx, id)
	if err != nil {
		return Operation{}, err
	}
	op.Status = StatusPending
	op.LastError = ""
	if err := q.store.Update(ctx, op); err != nil {
		return Operation{}, persistenceError("retry", err)
	}
	q.notifyChange(ctx)
	return op, nil
}

// Discard drops a failed operation for good.
func (q *Queue) Discard(ctx context.Context, id string) error {
	if _, err := q.failedOperation(ctx, id); err != nil {
		return err
	}
	if err := q.store.Delete(ctx, id); err != nil {
		return persistenceError("discard", err)
	}
	q.logger.Info("failed operation discarded", zap.String("id", id))
	return nil
}

func (q *Queue) failedOperation(ctx context.Context, id string) (Operation, error) {
	op, err := q.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Operation{}, err
	}
	if err != nil {
		return Operation{}, persistenceError("get", err)
	}
	if op.Status != StatusFailed {
		return Operation{}, ErrNotFailed
	}
	return op, nil
}

func (q *Queue) notifyChange(ctx context.Context) {
	if q.onChange == nil {
		return
	}
	count, err := q.store.Count(ctx, StatusPending)
	if err != nil {
		return
	}
	q.onChange(count)
}
