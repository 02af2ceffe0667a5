// Package metrics registers Prometheus collectors for the dispatcher's
// worker fleet, shard throughput, and billing pipeline, plus a
// host-level CPU/memory sampler. Only the CPU and memory gauges are
// updated (by StartResourceSampler); no other package updates the
// remaining counters, gauges, or the histogram. The samples are not
// read by the admission guard in internal/limits.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type Collector struct {
	WorkersOnline  prometheus.Gauge
	WorkersReady   prometheus.Gauge
	ShardsDispatched prometheus.Counter
	ShardsReclaimed  prometheus.Counter
	ShardsDone       prometheus.Counter
	ReportsProcessed prometheus.Counter
	ReportsDuplicate prometheus.Counter
	CreditsDebited   prometheus.Counter
	ObserverConns    prometheus.Gauge
	WorkerConns      prometheus.Gauge
	ShardDispatchSeconds prometheus.Histogram
	CPUPercent     prometheus.Gauge
	MemoryPercent  prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		WorkersOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd", Name: "workers_online", Help: "Workers currently present in the coordinator.",
		}),
		WorkersReady: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd", Name: "workers_ready", Help: "Workers currently accepting shard assignments.",
		}),
		ShardsDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd", Name: "shards_dispatched_total", Help: "Shards pushed to a worker.",
		}),
		ShardsReclaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd", Name: "shards_reclaimed_total", Help: "Shards reset to pending after exceeding the stale threshold.",
		}),
		ShardsDone: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd", Name: "shards_done_total", Help: "Shards that reached a terminal done state.",
		}),
		ReportsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd", Name: "reports_processed_total", Help: "Shard results successfully billed.",
		}),
		ReportsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd", Name: "reports_duplicate_total", Help: "Shard results rejected as already reported.",
		}),
		CreditsDebited: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd", Name: "credits_debited_total", Help: "Total credits debited across all users.",
		}),
		ObserverConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd", Name: "observer_connections", Help: "Active observer WebSocket connections.",
		}),
		WorkerConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd", Name: "worker_connections", Help: "Active worker WebSocket connections.",
		}),
		ShardDispatchSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatchd", Name: "shard_dispatch_seconds", Help: "Time from shard creation to successful push.",
			Buckets: prometheus.DefBuckets,
		}),
		CPUPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd", Name: "process_cpu_percent", Help: "Sampled process CPU utilization.",
		}),
		MemoryPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd", Name: "process_memory_percent", Help: "Sampled system memory utilization.",
		}),
	}
}

// StartResourceSampler polls host CPU and memory usage on an interval
// and records them in the CPUPercent and MemoryPercent gauges.
func (c *Collector) StartResourceSampler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sampleOnce(ctx)
			}
		}
	}()
}

func (c *Collector) sampleOnce(ctx context.Context) {
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		c.CPUPercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		c.MemoryPercent.Set(vm.UsedPercent)
	}
}
