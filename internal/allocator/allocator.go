/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package allocator implements the placement engine: candidate selection
// under the active strategy, the atomic reserve-then-insert protocol, the
// idempotent-repeat short-circuit, and the large-request fragmentation
// override.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	retry "github.com/avast/retry-go"
	"github.com/samber/lo"

	"github.com/nodepool/tokenbudget/internal/store"
	"github.com/nodepool/tokenbudget/internal/strategy"
)

// Error kinds the HTTP boundary maps to status codes, per spec.md S7.
var (
	ErrInvalid    = errors.New("allocator: invalid request")
	ErrOverloaded = errors.New("allocator: no node has sufficient capacity")
	ErrNotFound   = errors.New("allocator: reservation not found")
	ErrInternal   = errors.New("allocator: internal store error")
)

// Result is the body of a successful Allocate call.
type Result struct {
	NodeID    int64
	Remaining int64
}

// Allocator is the placement engine. It is safe for concurrent use; all of
// its correctness rests on the underlying store's transactional guarantees,
// not on any lock held here.
type Allocator struct {
	store    store.Store
	strategy *strategy.Registry

	largeThreshold func() float64
	retryMax       int
}

// New constructs an Allocator. largeThreshold is called once per Allocate
// call to read the current large-request cutoff (an absolute token count),
// so it can be reconfigured without restarting the process if the caller
// wires it to a live config value.
func New(st store.Store, reg *strategy.Registry, largeThreshold func() float64, retryMax int) *Allocator {
	if retryMax <= 0 {
		retryMax = 8
	}
	return &Allocator{
		store:          st,
		strategy:       reg,
		largeThreshold: largeThreshold,
		retryMax:       retryMax,
	}
}

// Allocate implements spec.md S4.1. On success it returns the node that
// holds the reservation and its remaining capacity after the commit. A
// repeat call with the same requestID always returns the original
// reservation's result, even if tokenCount differs (Open Question P4).
func (a *Allocator) Allocate(ctx context.Context, requestID string, tokenCount int64) (Result, error) {
	if strings.TrimSpace(requestID) == "" {
		return Result{}, fmt.Errorf("%w: request_id must be non-empty", ErrInvalid)
	}
	if tokenCount <= 0 {
		return Result{}, fmt.Errorf("%w: token_count must be positive, got %d", ErrInvalid, tokenCount)
	}

	// Step 2: idempotency pre-check.
	if res, ok, err := a.lookup(ctx, requestID); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}

	// Strategy and large-request threshold are both read once, up front,
	// so the whole call is coherent with whatever was active at its start
	// even if either is changed concurrently (spec.md S4.2, S5).
	s := a.strategy.Get()
	large := float64(tokenCount) >= a.largeThreshold()
	descending := large || s == strategy.Largest

	var result Result
	err := retry.Do(
		func() error {
			res, retryable, err := a.attempt(ctx, requestID, tokenCount, descending)
			if err == nil {
				result = res
				return nil
			}
			if retryable {
				return err
			}
			return retry.Unrecoverable(err)
		},
		retry.Attempts(uint(a.retryMax)),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.DelayType(retry.BackOffDelay),
	)
	if err == nil {
		return result, nil
	}

	var overloaded overloadedErr
	if errors.As(err, &overloaded) {
		return Result{}, ErrOverloaded
	}
	if errors.Is(err, store.ErrLockContention) || errors.Is(err, store.ErrReservationConflict) {
		// Retry budget exhausted while every pass lost to contention; spec.md
		// S4.1 step 6/S7 treats this the same as no candidate fitting.
		return Result{}, ErrOverloaded
	}
	return Result{}, fmt.Errorf("%w: %v", ErrInternal, err)
}

// overloadedErr marks "no candidate had room" as a non-retryable terminal
// state distinct from lock contention or an unexpected store failure.
type overloadedErr struct{}

func (overloadedErr) Error() string { return "allocator: overloaded" }

// attempt runs one pass of steps 3-7 against the current candidate set. The
// bool return reports whether the caller should retry (lock contention /
// reservation conflict) versus stop immediately (overload, hard error).
func (a *Allocator) attempt(ctx context.Context, requestID string, tokenCount int64, descending bool) (Result, bool, error) {
	candidates, err := a.store.CandidateNodes(ctx, tokenCount, descending)
	if err != nil {
		return Result{}, false, fmt.Errorf("list candidates: %w", err)
	}
	candidates = lo.Filter(candidates, func(n store.Node, _ int) bool {
		return n.Remaining() >= tokenCount
	})
	if len(candidates) == 0 {
		return Result{}, false, overloadedErr{}
	}

	for _, c := range candidates {
		n, err := a.store.TryReserve(ctx, c.ID, requestID, tokenCount)
		switch {
		case err == nil:
			return Result{NodeID: n.ID, Remaining: n.Remaining()}, false, nil
		case errors.Is(err, store.ErrLockContention):
			continue // next candidate, same attempt
		case errors.Is(err, store.ErrReservationConflict):
			// A concurrent caller for the same request_id won; re-run the
			// idempotency pre-check rather than treat this as contention
			// against a node.
			res, ok, lerr := a.lookup(ctx, requestID)
			if lerr != nil {
				return Result{}, false, lerr
			}
			if ok {
				return res, false, nil
			}
			// The winner hasn't committed visibly yet; ask the caller to
			// retry the whole attempt.
			return Result{}, true, store.ErrReservationConflict
		default:
			return Result{}, false, fmt.Errorf("reserve on node %d: %w", c.ID, err)
		}
	}
	// Every candidate lost to contention: retry the whole candidate scan.
	return Result{}, true, store.ErrLockContention
}

func (a *Allocator) lookup(ctx context.Context, requestID string) (Result, bool, error) {
	res, node, ok, err := a.store.FindReservation(ctx, requestID)
	if err != nil {
		return Result{}, false, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !ok {
		return Result{}, false, nil
	}
	return Result{NodeID: res.NodeID, Remaining: node.Remaining()}, true, nil
}

// Free implements spec.md S4.1's free protocol.
func (a *Allocator) Free(ctx context.Context, requestID string) (int64, error) {
	if strings.TrimSpace(requestID) == "" {
		return 0, fmt.Errorf("%w: request_id must be non-empty", ErrInvalid)
	}
	nodeID, err := a.store.Free(ctx, requestID)
	if errors.Is(err, store.ErrReservationNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nodeID, nil
}
