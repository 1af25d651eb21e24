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

package seed_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepool/tokenbudget/internal/seed"
	"github.com/nodepool/tokenbudget/internal/store"
)

func TestRunCreatesExactlyNNodes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, seed.Run(ctx, st, 3, 300))

	nodes, _, err := st.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	for _, n := range nodes {
		assert.Equal(t, int64(300), n.Capacity)
		assert.Equal(t, int64(0), n.Used)
	}
}

func TestRunIsIdempotentAndNeverDecreasesUsed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, seed.Run(ctx, st, 2, 300))

	_, err := st.TryReserve(ctx, 1, "r1", 100)
	require.NoError(t, err)

	require.NoError(t, seed.Run(ctx, st, 2, 300))

	nodes, _, err := st.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, int64(100), nodes[0].Used)
}
