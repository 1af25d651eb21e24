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

// Package metrics registers the Prometheus series this system exposes and
// implements the read-only snapshot aggregation of spec.md S4.4.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nodepool/tokenbudget/internal/store"
	"github.com/nodepool/tokenbudget/internal/strategy"
)

const (
	// Namespace prefixes every series this system registers.
	Namespace = "tokenbudget"
	subsystem = "allocator"
)

// Metrics holds the counters and gauges updated by the allocator and HTTP
// boundary, registered against a private registry rather than the global
// default so tests can construct isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	AllocationsTotal   *prometheus.CounterVec
	RateLimitRejects   prometheus.Counter
	StrategyChanges    prometheus.Counter
	NodeUtilization    *prometheus.GaugeVec
}

// New constructs and registers a Metrics instance.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		AllocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "allocations_total",
			Help:      "Count of /alloc outcomes by result label (ok, overloaded, invalid); idempotent repeats count as ok.",
		}, []string{"result"}),
		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "rate_limit_rejects_total",
			Help:      "Count of requests rejected by the admission limiter before reaching the allocator.",
		}),
		StrategyChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "strategy_changes_total",
			Help:      "Count of successful POST /strategy calls.",
		}),
		NodeUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystem,
			Name:      "node_used_tokens",
			Help:      "Tokens currently reserved per node, refreshed on each /metrics scrape.",
		}, []string{"node_id"}),
	}
	reg.MustRegister(m.AllocationsTotal, m.RateLimitRejects, m.StrategyChanges, m.NodeUtilization)
	return m
}

// NodeSnapshot mirrors spec.md S4.4's per-node shape.
type NodeSnapshot struct {
	ID        int64 `json:"id"`
	Capacity  int64 `json:"capacity"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// Totals mirrors spec.md S4.4's pool-wide shape.
type Totals struct {
	Capacity  int64 `json:"capacity"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// Snapshot is the full response body of spec.md S6's GET /metrics.
type Snapshot struct {
	Nodes              []NodeSnapshot     `json:"nodes"`
	Totals             Totals             `json:"totals"`
	ActiveReservations int64              `json:"active_reservations"`
	Strategy           strategy.Strategy  `json:"strategy"`
}

// Aggregate reads the store and strategy registry once each and assembles
// the snapshot; per spec.md S4.4 the two reads need not be linearizable
// with concurrent allocations. It also refreshes the NodeUtilization gauge
// so a Prometheus scrape and a GET /metrics call agree.
func (m *Metrics) Aggregate(ctx context.Context, st store.Store, reg *strategy.Registry) (Snapshot, error) {
	nodes, active, err := st.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("metrics: snapshot store: %w", err)
	}

	out := Snapshot{
		Nodes:              make([]NodeSnapshot, 0, len(nodes)),
		ActiveReservations: active,
		Strategy:           reg.Get(),
	}
	for _, n := range nodes {
		out.Nodes = append(out.Nodes, NodeSnapshot{
			ID:        n.ID,
			Capacity:  n.Capacity,
			Used:      n.Used,
			Remaining: n.Remaining(),
		})
		out.Totals.Capacity += n.Capacity
		out.Totals.Used += n.Used
		m.NodeUtilization.WithLabelValues(fmt.Sprintf("%d", n.ID)).Set(float64(n.Used))
	}
	out.Totals.Remaining = out.Totals.Capacity - out.Totals.Used
	return out, nil
}
