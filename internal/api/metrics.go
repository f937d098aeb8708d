package api

import (
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// metrics returns GET /metrics — cache and engine counters in Prometheus
// text exposition format, encoded family by family.
func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	es := h.engine.Stats()
	cs := h.svc.CacheStats()

	families := []*dto.MetricFamily{
		counter("pipewatch_cache_hits_total", "Cache lookups served from a live entry.", float64(cs.Hits)),
		counter("pipewatch_cache_misses_total", "Cache lookups that fell through to the gateway.", float64(cs.Misses)),
		counter("pipewatch_cache_evictions_total", "Entries evicted by the LRU policy.", float64(cs.Evictions)),
		counter("pipewatch_cache_expirations_total", "Entries dropped on access after TTL expiry.", float64(cs.Expirations)),
		gauge("pipewatch_cache_size", "Entries currently held in the cache.", float64(cs.Size)),
		gauge("pipewatch_cache_hit_rate", "Hits over total lookups; 0 before any access.", cs.HitRate),
		counter("pipewatch_updates_total", "Run state changes detected across all subscriptions.", float64(es.TotalUpdates)),
		counter("pipewatch_update_errors_total", "Background fetches that failed and were skipped.", float64(es.ErrorCount)),
		gauge("pipewatch_active_subscriptions", "Subscriptions currently served by poll ticks.", float64(es.ActiveSubscriptions)),
		gauge("pipewatch_average_response_seconds", "Rolling average fetch latency.", es.AverageResponse.Seconds()),
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))

	enc := expfmt.NewEncoder(w, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			// The connection is gone; nothing useful left to write.
			return
		}
	}
}

func counter(name, help string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(value)}}},
	}
}

func gauge(name, help string, value float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(value)}}},
	}
}
