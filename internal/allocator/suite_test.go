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

package allocator_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nodepool/tokenbudget/internal/allocator"
	"github.com/nodepool/tokenbudget/internal/store"
	"github.com/nodepool/tokenbudget/internal/strategy"
)

var ctx context.Context

func TestAllocator(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Allocator")
}

// newAllocator seeds a MemoryStore with nodeCount nodes of nodeBudget
// capacity each and wires an Allocator with the given strategy and large-
// request ratio, mirroring spec.md S8's "assume NODES=2, NODE_BUDGET=300"
// scenario setup.
func newAllocator(nodeCount, nodeBudget int, s strategy.Strategy, largeRatio float64) (*allocator.Allocator, store.Store) {
	st := store.NewMemoryStore()
	for i := 1; i <= nodeCount; i++ {
		Expect(st.SeedNode(ctx, int64(i), int64(nodeBudget))).To(Succeed())
	}
	reg := strategy.NewRegistry(s)
	a := allocator.New(st, reg, func() float64 { return largeRatio * float64(nodeBudget) }, 8)
	return a, st
}

var _ = Describe("Allocator", func() {
	Context("input validation", func() {
		It("rejects an empty request id", func() {
			a, _ := newAllocator(2, 300, strategy.Best, 0.5)
			_, err := a.Allocate(ctx, "", 10)
			Expect(err).To(MatchError(allocator.ErrInvalid))
		})
		It("rejects a non-positive token count", func() {
			a, _ := newAllocator(2, 300, strategy.Best, 0.5)
			_, err := a.Allocate(ctx, "r1", 0)
			Expect(err).To(MatchError(allocator.ErrInvalid))
		})
	})

	Context("the spec.md walkthrough (NODES=2, NODE_BUDGET=300, strategy=best)", func() {
		It("reproduces scenarios 1 through 5", func() {
			a, _ := newAllocator(2, 300, strategy.Best, 0.5)

			By("alloc(r1, 100) lands on node 1, tie-broken by id")
			res, err := a.Allocate(ctx, "r1", 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(allocator.Result{NodeID: 1, Remaining: 200}))

			By("alloc(r2, 100) best-fits onto node 1 again (200 < 300 remaining)")
			res, err = a.Allocate(ctx, "r2", 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(allocator.Result{NodeID: 1, Remaining: 100}))

			By("alloc(r3, 250) only fits on node 2")
			res, err = a.Allocate(ctx, "r3", 250)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(allocator.Result{NodeID: 2, Remaining: 50}))

			By("alloc(r4, 200) overloads: node1 has 100, node2 has 50")
			_, err = a.Allocate(ctx, "r4", 200)
			Expect(err).To(MatchError(allocator.ErrOverloaded))

			By("free(r2) credits node 1 back to 200 remaining")
			nodeID, err := a.Free(ctx, "r2")
			Expect(err).NotTo(HaveOccurred())
			Expect(nodeID).To(Equal(int64(1)))

			By("alloc(r4, 200) now succeeds on node 1")
			res, err = a.Allocate(ctx, "r4", 200)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(allocator.Result{NodeID: 1, Remaining: 0}))
		})
	})

	Context("idempotence (I4, P3, P4)", func() {
		It("returns the identical body for a repeated request id with the same token count", func() {
			a, _ := newAllocator(2, 300, strategy.Best, 0.5)
			first, err := a.Allocate(ctx, "r1", 100)
			Expect(err).NotTo(HaveOccurred())

			second, err := a.Allocate(ctx, "r1", 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
		})

		It("returns the original body, not an error, when the repeat uses a different token count", func() {
			a, _ := newAllocator(2, 300, strategy.Best, 0.5)
			first, err := a.Allocate(ctx, "r1", 100)
			Expect(err).NotTo(HaveOccurred())

			second, err := a.Allocate(ctx, "r1", 250)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
		})
	})

	Context("free", func() {
		It("returns NotFound for an unknown request id", func() {
			a, _ := newAllocator(2, 300, strategy.Best, 0.5)
			_, err := a.Free(ctx, "missing")
			Expect(err).To(MatchError(allocator.ErrNotFound))
		})

		It("returns NotFound on a second free of the same request id", func() {
			a, _ := newAllocator(2, 300, strategy.Best, 0.5)
			_, err := a.Allocate(ctx, "r1", 100)
			Expect(err).NotTo(HaveOccurred())

			_, err = a.Free(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())

			_, err = a.Free(ctx, "r1")
			Expect(err).To(MatchError(allocator.ErrNotFound))
		})
	})

	Context("strategy selection (P6, P7, P8)", func() {
		It("under largest, picks the node with maximal remaining capacity", func() {
			a, st := newAllocator(3, 300, strategy.Largest, 0.9)
			// Pre-load node 1 down to 250 remaining, node 2 to 200 remaining.
			_, err := st.TryReserve(ctx, 1, "seed1", 50)
			Expect(err).NotTo(HaveOccurred())
			_, err = st.TryReserve(ctx, 2, "seed2", 100)
			Expect(err).NotTo(HaveOccurred())

			res, err := a.Allocate(ctx, "r1", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.NodeID).To(Equal(int64(3))) // node 3 still at full 300 remaining
		})

		It("overrides best-fit with worst-fit for a large request", func() {
			a, st := newAllocator(3, 300, strategy.Best, 0.5)
			_, err := st.TryReserve(ctx, 1, "seed1", 50) // node 1 remaining 250
			Expect(err).NotTo(HaveOccurred())

			// 0.5 * 300 = 150 is the large threshold; 200 qualifies, forcing
			// descending order regardless of the active "best" strategy.
			res, err := a.Allocate(ctx, "big", 200)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.NodeID).To(Equal(int64(2)))
		})
	})
})
