// Copyright 2024 The corechain Authors
// This file is part of corechain.
//
// corechain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// corechain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with corechain. If not, see <http://www.gnu.org/licenses/>.

package chaindb

import "github.com/prometheus/client_golang/prometheus"

// metrics are the ambient gauges/counters the spec's non-goal list
// excludes only the tracer/logging *protocol* plumbing, not observability
// itself: current-chain depth, immutable tip height and InvalidBlocks
// fingerprint are exactly the numbers an operator watches to tell a
// healthy node from a stalled one.
type metrics struct {
	currentChainLen prometheus.Gauge
	immutableTip    prometheus.Gauge
	invalidFingerpr prometheus.Gauge
	blocksAdopted   prometheus.Counter
	blocksRejected  prometheus.Counter
}

// newMetrics registers a fresh set of collectors against reg. Each
// ChainDB instance gets its own registry (rather than the global default)
// so opening more than one handle in a process, as the test suite does,
// never panics on a duplicate registration.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		currentChainLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corechain_current_chain_length",
			Help: "Number of headers in the in-memory current-chain fragment.",
		}),
		immutableTip: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corechain_immutable_tip_block_no",
			Help: "Block number of the ImmutableDB tip.",
		}),
		invalidFingerpr: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corechain_invalid_blocks_fingerprint",
			Help: "Monotonic fingerprint of the InvalidBlocks map.",
		}),
		blocksAdopted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corechain_blocks_adopted_total",
			Help: "Blocks that advanced the current chain.",
		}),
		blocksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corechain_blocks_rejected_total",
			Help: "Blocks rejected by the add-block pipeline's pre-filters or chain selection.",
		}),
	}
	reg.MustRegister(m.currentChainLen, m.immutableTip, m.invalidFingerpr, m.blocksAdopted, m.blocksRejected)
	return m
}
