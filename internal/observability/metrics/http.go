package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type vaultKey struct {
	vault string
}

type eventKey struct {
	vault   string
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	ticks    map[vaultKey]uint64
	events   map[eventKey]uint64
	latency  map[vaultKey]*histogram
}

var daemonCollector = &collector{
	requests: make(map[requestKey]uint64),
	ticks:    make(map[vaultKey]uint64),
	events:   make(map[eventKey]uint64),
	latency:  make(map[vaultKey]*histogram),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	daemonCollector.mu.Lock()
	defer daemonCollector.mu.Unlock()
	key := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	daemonCollector.requests[key]++
}

// ObserveTick records one completed main loop pass for a vault together with
// its wall clock duration.
func ObserveTick(vault string, duration time.Duration) {
	daemonCollector.mu.Lock()
	defer daemonCollector.mu.Unlock()
	key := vaultKey{vault: vault}
	daemonCollector.ticks[key]++
	hist := daemonCollector.latency[key]
	if hist == nil {
		hist = newHistogram()
		daemonCollector.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveEvent records one dispatched chain event. Outcome is "handled",
// "failed" or "skipped".
func ObserveEvent(vault, outcome string) {
	daemonCollector.mu.Lock()
	defer daemonCollector.mu.Unlock()
	daemonCollector.events[eventKey{vault: vault, outcome: outcome}]++
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
	// Values greater than the last bucket only show up in the +Inf bucket
	// through h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, daemonCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		requestKey
		value uint64
	}
	type vaultMetric struct {
		vault string
		value uint64
	}
	type eventMetric struct {
		eventKey
		value uint64
	}
	type latencyMetric struct {
		vault   string
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	ticks := make([]vaultMetric, 0, len(c.ticks))
	for key, value := range c.ticks {
		ticks = append(ticks, vaultMetric{vault: key.vault, value: value})
	}
	events := make([]eventMetric, 0, len(c.events))
	for key, value := range c.events {
		events = append(events, eventMetric{eventKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			vault:   key.vault,
			buckets: append([]float64(nil), hist.buckets...),
			counts:  append([]uint64(nil), hist.counts...),
			sum:     hist.sum,
			count:   hist.count,
		})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].vault < ticks[j].vault })
	sort.Slice(events, func(i, j int) bool {
		if events[i].vault == events[j].vault {
			return events[i].outcome < events[j].outcome
		}
		return events[i].vault < events[j].vault
	})
	sort.Slice(lats, func(i, j int) bool { return lats[i].vault < lats[j].vault })

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP fagent_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE fagent_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("fagent_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP fagent_ticks_total Total number of completed main loop passes.\n")
	builder.WriteString("# TYPE fagent_ticks_total counter\n")
	for _, metric := range ticks {
		builder.WriteString(fmt.Sprintf("fagent_ticks_total{vault=\"%s\"} %d\n",
			escape(metric.vault), metric.value))
	}

	builder.WriteString("# HELP fagent_events_total Total number of dispatched chain events by outcome.\n")
	builder.WriteString("# TYPE fagent_events_total counter\n")
	for _, metric := range events {
		builder.WriteString(fmt.Sprintf("fagent_events_total{vault=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.vault), escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP fagent_tick_duration_seconds Main loop pass duration in seconds.\n")
	builder.WriteString("# TYPE fagent_tick_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("fagent_tick_duration_seconds_bucket{vault=\"%s\",le=\"%s\"} %d\n",
				escape(metric.vault), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("fagent_tick_duration_seconds_bucket{vault=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.vault), metric.count))
		builder.WriteString(fmt.Sprintf("fagent_tick_duration_seconds_sum{vault=\"%s\"} %s\n",
			escape(metric.vault), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("fagent_tick_duration_seconds_count{vault=\"%s\"} %d\n",
			escape(metric.vault), metric.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
