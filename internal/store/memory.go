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

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the development/test dialect: a single mutex stands in for
// the production dialect's row-level locking. It satisfies the same Store
// contract -- including the lock-contention and reservation-conflict error
// paths -- so the allocator is exercised identically against either
// dialect, even though a single mutex can never actually contend with
// itself the way concurrent Postgres transactions can.
type MemoryStore struct {
	mu           sync.Mutex
	nodes        map[int64]*Node
	reservations map[string]Reservation
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:        make(map[int64]*Node),
		reservations: make(map[string]Reservation),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) SeedNode(ctx context.Context, id, capacity int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; ok {
		return nil
	}
	m.nodes[id] = &Node{ID: id, Capacity: capacity, Used: 0}
	return nil
}

func (m *MemoryStore) FindReservation(ctx context.Context, requestID string) (Reservation, Node, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[requestID]
	if !ok {
		return Reservation{}, Node{}, false, nil
	}
	n, ok := m.nodes[r.NodeID]
	if !ok {
		return Reservation{}, Node{}, false, ErrNodeNotFound
	}
	return r, *n, true, nil
}

func (m *MemoryStore) CandidateNodes(ctx context.Context, tokens int64, descending bool) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candidateNodesLocked(tokens, descending), nil
}

// candidateNodesLocked must be called with m.mu held.
func (m *MemoryStore) candidateNodesLocked(tokens int64, descending bool) []Node {
	var out []Node
	for _, n := range m.nodes {
		if n.Remaining() >= tokens {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Remaining(), out[j].Remaining()
		if ri == rj {
			return out[i].ID < out[j].ID
		}
		if descending {
			return ri > rj
		}
		return ri < rj
	})
	return out
}

// TryReserve performs the whole reserve-then-insert step under the single
// store mutex, mirroring the production dialect's row lock + conditional
// update + insert sequence as one critical section instead of one
// transaction.
func (m *MemoryStore) TryReserve(ctx context.Context, candidateNodeID int64, requestID string, tokens int64) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[requestID]; ok {
		return Node{}, ErrReservationConflict
	}
	n, ok := m.nodes[candidateNodeID]
	if !ok {
		return Node{}, ErrNodeNotFound
	}
	if n.Remaining() < tokens {
		return Node{}, ErrLockContention
	}
	n.Used += tokens
	m.reservations[requestID] = Reservation{
		RequestID: requestID,
		NodeID:    candidateNodeID,
		Tokens:    tokens,
		CreatedAt: time.Now(),
	}
	return *n, nil
}

func (m *MemoryStore) Free(ctx context.Context, requestID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[requestID]
	if !ok {
		return 0, ErrReservationNotFound
	}
	n, ok := m.nodes[r.NodeID]
	if ok {
		n.Used -= r.Tokens
		if n.Used < 0 {
			n.Used = 0
		}
	}
	delete(m.reservations, requestID)
	return r.NodeID, nil
}

func (m *MemoryStore) Snapshot(ctx context.Context) ([]Node, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(m.reservations)), nil
}
