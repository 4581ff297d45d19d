package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fregster/hangar-assistant/pkg/adsb"
)

const (
	statePending int32 = iota
	stateDone
	stateAbandoned
)

// callResult is one source's answer to a fan-out. done is false when the
// source did not answer before the wait ended.
type callResult[T any] struct {
	done  bool
	value T
	err   error
}

type indexedResult[T any] struct {
	idx   int
	value T
	err   error
}

// fanOut calls every entry concurrently and waits up to the manager timeout.
// Results are indexed like entries. settled, when set, may end the wait early
// once the collected results are sufficient.
//
// Each call updates its source's health exactly once. A call still running
// when the wait expires is recorded as ErrSourceTimeout; if it later
// succeeds, that success is recorded too, but its result is discarded.
func fanOut[T any](
	ctx context.Context,
	m *Manager,
	entries []*sourceEntry,
	call func(context.Context, adsb.Source) (T, error),
	count func(T) int,
	settled func([]callResult[T]) bool,
) []callResult[T] {
	results := make([]callResult[T], len(entries))
	states := make([]atomic.Int32, len(entries))
	ch := make(chan indexedResult[T], len(entries))

	for i, e := range entries {
		i, e := i, e
		go func() {
			cctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			var value T
			err := guard(func() error {
				var err error
				value, err = call(cctx, e.src)
				return err
			})
			if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w after %s: %v", ErrSourceTimeout, m.timeout, err)
			}

			if !states[i].CompareAndSwap(statePending, stateDone) {
				if err == nil {
					m.recordSuccess(e.name, count(value))
					m.log.Debug("late answer recorded", "source", e.name)
				}
				return
			}

			switch {
			case err == nil:
				m.recordSuccess(e.name, count(value))
			case ctx.Err() != nil:
				// Caller gave up; not the source's fault
			default:
				m.recordFailure(e.name, err)
				m.log.Warn("source query failed", "source", e.name, "error", err)
			}
			ch <- indexedResult[T]{idx: i, value: value, err: err}
		}()
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	expired := false
	received := 0
wait:
	for received < len(entries) {
		select {
		case r := <-ch:
			results[r.idx] = callResult[T]{done: true, value: r.value, err: r.err}
			received++
			if settled != nil && settled(results) {
				return results
			}
		case <-timer.C:
			expired = true
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	if expired {
		for i, e := range entries {
			if results[i].done {
				continue
			}
			if states[i].CompareAndSwap(statePending, stateAbandoned) {
				m.recordFailure(e.name, ErrSourceTimeout)
				m.log.Warn("source timed out", "source", e.name, "timeout", m.timeout)
			}
		}
	}

	// Answers that raced the deadline are already in health; keep them
	for {
		select {
		case r := <-ch:
			results[r.idx] = callResult[T]{done: true, value: r.value, err: r.err}
		default:
			return results
		}
	}
}
