// 包 metrics 集中定义 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsProcessedTotal 管道处理过的条目总数，按结果分类。
	// outcome: inserted / duplicate / failed
	ItemsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_items_processed_total",
		Help: "Total pipeline items by outcome.",
	}, []string{"source", "outcome"})

	// RawEventsTotal 写入证据表的行数。
	RawEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_raw_events_total",
		Help: "Total raw evidence rows appended.",
	}, []string{"source"})

	// RunsFinishedTotal 结束的采集运行数，按终态分类。
	RunsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_runs_finished_total",
		Help: "Total crawl runs by terminal status.",
	}, []string{"source", "status"})

	// RunDuration 单次运行耗时。
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intel_run_duration_seconds",
		Help:    "Crawl run duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"source"})

	// CredentialRefreshTotal 凭证刷新次数，按结局分类。
	// result: success / timeout / failed / busy
	CredentialRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_credential_refresh_total",
		Help: "Total credential refresh attempts by result.",
	}, []string{"source", "result"})

	// RollupBucketsTotal 聚合任务写入的桶数。
	RollupBucketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_rollup_buckets_total",
		Help: "Total aggregation buckets upserted.",
	}, []string{"grain"})

	// RuleSnapshotVersion 当前规则快照版本号。
	RuleSnapshotVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intel_rule_snapshot_version",
		Help: "Current classification rule snapshot version.",
	})
)
