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

// Package seed implements the idempotent node-provisioning routine of
// spec.md S4.5, safe to run on every process startup.
package seed

import (
	"context"
	"fmt"

	"github.com/nodepool/tokenbudget/internal/store"
)

// Run ensures exactly nodeCount node rows exist, ids 1..nodeCount, each
// with the given capacity. It never touches an existing row -- an already-
// seeded node keeps whatever used value it has accumulated.
func Run(ctx context.Context, st store.Store, nodeCount, capacity int) error {
	for id := 1; id <= nodeCount; id++ {
		if err := st.SeedNode(ctx, int64(id), int64(capacity)); err != nil {
			return fmt.Errorf("seed: node %d: %w", id, err)
		}
	}
	return nil
}
