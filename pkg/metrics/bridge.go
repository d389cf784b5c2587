package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Bridge exports the hub's families through client_golang so promhttp and
// the rest of the Prometheus ecosystem can scrape them. Values are read
// from the hub at collect time; nothing is double-counted because the hub
// stays the single owner of all series.
type Bridge struct {
	hub *Hub
}

var _ prometheus.Collector = (*Bridge)(nil)

// NewBridge wraps a hub for registration with a prometheus.Registerer
func NewBridge(hub *Hub) *Bridge {
	return &Bridge{hub: hub}
}

// Describe emits one Desc per declared family
func (b *Bridge) Describe(ch chan<- *prometheus.Desc) {
	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for _, fam := range b.hub.families {
		ch <- prometheus.NewDesc(fam.name, fam.help, fam.labels, nil)
	}
}

// Collect emits every series as a const metric
func (b *Bridge) Collect(ch chan<- prometheus.Metric) {
	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()

	for _, fam := range b.hub.families {
		desc := prometheus.NewDesc(fam.name, fam.help, fam.labels, nil)
		for _, s := range fam.series {
			values := labelValues(fam.labels, s.labels)
			switch fam.kind {
			case KindCounter:
				ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, s.value, values...)
			case KindGauge:
				ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, s.value, values...)
			case KindHistogram:
				if s.hist == nil {
					continue
				}
				buckets := make(map[float64]uint64, len(s.hist.buckets))
				var cumulative uint64
				for i, ub := range s.hist.buckets {
					cumulative += s.hist.counts[i]
					buckets[ub] = cumulative
				}
				ch <- prometheus.MustNewConstHistogram(desc, s.hist.count, s.hist.sum, buckets, values...)
			}
		}
	}
}

// labelValues orders a series' label values to match the family's keys,
// which are kept sorted at declaration.
func labelValues(keys []string, labels Labels) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = labels[k]
	}
	return out
}
