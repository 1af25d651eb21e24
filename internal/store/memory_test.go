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

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepool/tokenbudget/internal/store"
)

func TestSeedNodeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.SeedNode(ctx, 1, 300))

	_, err := s.TryReserve(ctx, 1, "r1", 100)
	require.NoError(t, err)

	// Re-seeding must not reset used back to 0.
	require.NoError(t, s.SeedNode(ctx, 1, 300))
	nodes, _, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, int64(100), nodes[0].Used)
}

func TestTryReserveRejectsOverCapacity(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.SeedNode(ctx, 1, 100))

	_, err := s.TryReserve(ctx, 1, "r1", 150)
	assert.ErrorIs(t, err, store.ErrLockContention)
}

func TestTryReserveRejectsDuplicateRequestID(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.SeedNode(ctx, 1, 300))

	_, err := s.TryReserve(ctx, 1, "r1", 50)
	require.NoError(t, err)

	_, err = s.TryReserve(ctx, 1, "r1", 50)
	assert.ErrorIs(t, err, store.ErrReservationConflict)
}

func TestFreeCreditsNodeAndRemovesReservation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.SeedNode(ctx, 1, 300))

	_, err := s.TryReserve(ctx, 1, "r1", 100)
	require.NoError(t, err)

	nodeID, err := s.Free(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), nodeID)

	_, err = s.Free(ctx, "r1")
	assert.ErrorIs(t, err, store.ErrReservationNotFound)

	nodes, active, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), nodes[0].Used)
	assert.Equal(t, int64(0), active)
}

func TestCandidateNodesOrdering(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.SeedNode(ctx, 1, 300))
	require.NoError(t, s.SeedNode(ctx, 2, 300))
	_, err := s.TryReserve(ctx, 1, "r1", 100) // node 1 remaining 200
	require.NoError(t, err)

	ascending, err := s.CandidateNodes(ctx, 50, false)
	require.NoError(t, err)
	require.Len(t, ascending, 2)
	assert.Equal(t, int64(1), ascending[0].ID, "best-fit: smallest remaining first")

	descending, err := s.CandidateNodes(ctx, 50, true)
	require.NoError(t, err)
	require.Len(t, descending, 2)
	assert.Equal(t, int64(2), descending[0].ID, "worst-fit: largest remaining first")
}
