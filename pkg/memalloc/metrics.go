// Copyright 2024 The memalloc Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memalloc

import (
	"github.com/cse330/memalloc/pkg/metric"
)

// serviceMetrics are the metrics exported by a Service.
type serviceMetrics struct {
	// requests counts requests by command and result kind.
	requests *metric.Uint64Metric

	// tables counts intermediate page tables created.
	tables *metric.Uint64Metric
}

func newServiceMetrics(reg *metric.Registry, acct *Accounting) *serviceMetrics {
	if reg == nil {
		reg = metric.NewRegistry()
	}
	m := &serviceMetrics{
		requests: reg.MustCreateNewUint64Metric("memalloc_requests_total",
			"Control channel requests by command and result.",
			metric.NewField("command", []string{"allocate", "free", "unknown"}),
			metric.NewField("result", kindValues)),
		tables: reg.MustCreateNewUint64Metric("memalloc_page_tables_created_total",
			"Intermediate page tables created while mapping pages."),
	}
	reg.MustRegisterGauge("memalloc_pages", "Pages mapped since the service started.", acct.Pages)
	reg.MustRegisterGauge("memalloc_allocations", "Allocation requests accepted since the service started.", acct.Allocations)
	reg.MustRegisterGauge("memalloc_pages_limit", "Ceiling on memalloc_pages.", func() uint64 { return MaxPages })
	reg.MustRegisterGauge("memalloc_allocations_limit", "Ceiling on memalloc_allocations.", func() uint64 { return MaxAllocations })
	return m
}

// record counts one request.
func (m *serviceMetrics) record(cmd uint32, err error) {
	m.requests.Increment(CommandName(cmd), KindOf(err).String())
}

// RequestCount returns the number of requests for command with the given
// result, where command is as returned by CommandName.
func (s *Service) RequestCount(command string, result Kind) uint64 {
	return s.metrics.requests.Value(command, result.String())
}
