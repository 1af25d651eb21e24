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

package metrics_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepool/tokenbudget/internal/metrics"
	"github.com/nodepool/tokenbudget/internal/store"
	"github.com/nodepool/tokenbudget/internal/strategy"
)

func TestAggregate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.SeedNode(ctx, 1, 300))
	require.NoError(t, st.SeedNode(ctx, 2, 300))
	_, err := st.TryReserve(ctx, 1, "r1", 100)
	require.NoError(t, err)

	reg := strategy.NewRegistry(strategy.Best)
	m := metrics.New()

	snap, err := m.Aggregate(ctx, st, reg)
	require.NoError(t, err)

	assert.Equal(t, strategy.Best, snap.Strategy)
	assert.Equal(t, int64(1), snap.ActiveReservations)
	assert.Equal(t, int64(600), snap.Totals.Capacity)
	assert.Equal(t, int64(100), snap.Totals.Used)
	assert.Equal(t, int64(500), snap.Totals.Remaining)
	require.Len(t, snap.Nodes, 2)
	assert.Equal(t, int64(200), snap.Nodes[0].Remaining)
}
