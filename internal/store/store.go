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

// Package store abstracts the transactional persistence gateway described
// in spec.md S4.1: row-level read-for-update, conditional update, and
// insert-or-conflict-report over two tables, nodes and reservations. Two
// dialects satisfy the Store interface: PostgresStore (production, SELECT
// ... FOR UPDATE SKIP LOCKED) and MemoryStore (development/test, a single
// mutex standing in for coarser locking).
package store

import (
	"context"
	"errors"
	"time"
)

// Node is a compute target with a fixed token capacity.
type Node struct {
	ID       int64
	Capacity int64
	Used     int64
}

// Remaining is the derived capacity - used.
func (n Node) Remaining() int64 {
	return n.Capacity - n.Used
}

// Reservation is a durable record that RequestID holds Tokens on NodeID.
type Reservation struct {
	RequestID string
	NodeID    int64
	Tokens    int64
	CreatedAt time.Time
}

// ErrLockContention signals that a candidate row could not be locked or its
// conditional update affected zero rows; the allocator retries on this.
var ErrLockContention = errors.New("store: lock contention")

// ErrReservationConflict signals that a concurrent caller won the unique
// constraint on reservations.request_id; the allocator restarts from its
// idempotency pre-check on this.
var ErrReservationConflict = errors.New("store: reservation already exists")

// ErrNodeNotFound signals that a referenced node row does not exist.
var ErrNodeNotFound = errors.New("store: node not found")

// ErrReservationNotFound signals that Free was called for an unknown
// request_id.
var ErrReservationNotFound = errors.New("store: reservation not found")

// Totals summarizes capacity across the whole node pool.
type Totals struct {
	Capacity int64
	Used     int64
}

// Remaining is the derived Capacity - Used.
func (t Totals) Remaining() int64 {
	return t.Capacity - t.Used
}

// Store is the persistence gateway the allocator, seed routine, and metrics
// aggregator are built against. Implementations own their own transaction
// boundaries; every method here is one full, committed (or rolled back)
// unit of work.
type Store interface {
	// Ping verifies the store is reachable, used by the /health endpoint.
	Ping(ctx context.Context) error

	// SeedNode inserts a node with the given capacity if it does not
	// already exist. It never mutates an existing row (spec.md S4.5).
	SeedNode(ctx context.Context, id, capacity int64) error

	// FindReservation returns the reservation for requestID, if any, and
	// the node it lives on. Used for the idempotency pre-check.
	FindReservation(ctx context.Context, requestID string) (Reservation, Node, bool, error)

	// CandidateNodes returns nodes with remaining >= tokens, ordered by
	// ascending or descending remaining capacity (tie-broken by id
	// ascending) as the caller directs.
	CandidateNodes(ctx context.Context, tokens int64, descending bool) ([]Node, error)

	// TryReserve attempts the full allocation write path against a single
	// candidate node: lock the row, apply the conditional capacity update,
	// insert the reservation. It returns ErrLockContention if the
	// candidate could not be won (the caller should retry against the next
	// candidate) and ErrReservationConflict if a concurrent caller already
	// created the same request_id (the caller should re-run the
	// idempotency pre-check).
	TryReserve(ctx context.Context, candidateNodeID int64, requestID string, tokens int64) (Node, error)

	// Free removes the reservation for requestID and credits its tokens
	// back to its node, as one transaction. Returns ErrReservationNotFound
	// if no such reservation exists.
	Free(ctx context.Context, requestID string) (nodeID int64, err error)

	// Snapshot returns every node and the count of active reservations,
	// for the metrics aggregator. Need not be linearizable with concurrent
	// allocations (spec.md S4.4).
	Snapshot(ctx context.Context) ([]Node, int64, error)

	// Close releases any resources (connection pools, etc).
	Close()
}
