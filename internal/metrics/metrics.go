/*
Copyright 2026.

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

// Package metrics exposes the build capacity picture on the manager's
// prometheus registry. Gauges are computed from the index on scrape, so
// they never drift from what the API reports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/runboat/runboat/internal/build"
	"github.com/runboat/runboat/internal/index"
)

var (
	buildsDesc = prometheus.NewDesc(
		"runboat_builds",
		"Number of builds by status.",
		[]string{"status"}, nil,
	)
	deployedDesc = prometheus.NewDesc(
		"runboat_builds_deployed",
		"Number of deployed builds (all builds not being cleaned up).",
		nil, nil,
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runboat_build_events_total",
			Help: "Index change notifications by type.",
		},
		[]string{"type"},
	)
)

// Collector serves the capacity gauges from an index.
type Collector struct {
	idx *index.Index
}

// Register puts the capacity gauges and event counters for idx on the
// controller-runtime registry and returns a listener feeding the
// counters.
func Register(idx *index.Index) index.Listener {
	ctrlmetrics.Registry.MustRegister(&Collector{idx: idx}, eventsTotal)
	return func(ev build.Event) {
		eventsTotal.WithLabelValues(string(ev.Type)).Inc()
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- buildsDesc
	ch <- deployedDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counts := c.idx.Counts()
	for status, n := range map[string]int{
		"todo":         counts.ToInitialize,
		"initializing": counts.Initializing,
		"failed":       counts.Failed,
		"stopped":      counts.Stopped,
		"started":      counts.Started,
		"cleaning":     counts.Cleaning,
	} {
		ch <- prometheus.MustNewConstMetric(buildsDesc, prometheus.GaugeValue, float64(n), status)
	}
	ch <- prometheus.MustNewConstMetric(deployedDesc, prometheus.GaugeValue, float64(counts.Deployed))
}
