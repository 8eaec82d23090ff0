// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 配信結果のラベル値。
const (
	OutcomePosted                = "posted"
	OutcomeFailed                = "failed"
	OutcomeRetried               = "retried"
	OutcomeDeferred              = "deferred"
	OutcomeCredentialUnavailable = "credential_unavailable"
	OutcomeClaimLost             = "claim_lost"
)

// オートパイロット結果のラベル値。
const (
	AutopilotScheduled = "scheduled"
	AutopilotSkipped   = "skipped"
	AutopilotFailed    = "failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ディスパッチャ、オートパイロット、分析バッチから利用する。
type MetricsCollector interface {
	RecordDispatchOutcome(outcome string)
	RecordPublishLatency(duration time.Duration)
	RecordDispatchScan(claimed int, duration time.Duration)
	RecordAutopilotResult(result string)
	RecordMetricsRefreshed(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	dispatchOutcome  *prometheus.CounterVec
	publishLatency   prometheus.Histogram
	scanClaimed      prometheus.Counter
	scanDuration     prometheus.Histogram
	autopilotResult  *prometheus.CounterVec
	metricsRefreshed prometheus.Counter
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatchOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postpilot_dispatch_outcome_total",
			Help: "配信結果別の予約投稿処理数",
		}, []string{"outcome"}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postpilot_publish_latency_seconds",
			Help:    "投稿APIのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		scanClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postpilot_dispatch_claimed_total",
			Help: "スキャンでクレームした予約投稿の合計数",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postpilot_dispatch_scan_duration_seconds",
			Help:    "配信スキャン1回の所要時間（秒）",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
		autopilotResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postpilot_autopilot_account_total",
			Help: "オートパイロットのアカウント処理結果別の件数",
		}, []string{"result"}),
		metricsRefreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postpilot_metrics_refreshed_total",
			Help: "エンゲージメントを更新した投稿の合計数",
		}),
	}

	reg.MustRegister(
		c.dispatchOutcome,
		c.publishLatency,
		c.scanClaimed,
		c.scanDuration,
		c.autopilotResult,
		c.metricsRefreshed,
	)

	return c
}

// RecordDispatchOutcome は予約投稿1件の処理結果を記録する。
func (c *Collector) RecordDispatchOutcome(outcome string) {
	c.dispatchOutcome.WithLabelValues(outcome).Inc()
}

// RecordPublishLatency は投稿APIのレイテンシを記録する。
func (c *Collector) RecordPublishLatency(duration time.Duration) {
	c.publishLatency.Observe(duration.Seconds())
}

// RecordDispatchScan はスキャンのクレーム件数と所要時間を記録する。
func (c *Collector) RecordDispatchScan(claimed int, duration time.Duration) {
	c.scanClaimed.Add(float64(claimed))
	c.scanDuration.Observe(duration.Seconds())
}

// RecordAutopilotResult はオートパイロットのアカウント処理結果を記録する。
func (c *Collector) RecordAutopilotResult(result string) {
	c.autopilotResult.WithLabelValues(result).Inc()
}

// RecordMetricsRefreshed はエンゲージメントを更新した投稿数を記録する。
func (c *Collector) RecordMetricsRefreshed(count int) {
	c.metricsRefreshed.Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。メトリクスを公開しないワンショット実行で使う。
type Nop struct{}

func (Nop) RecordDispatchOutcome(string)          {}
func (Nop) RecordPublishLatency(time.Duration)    {}
func (Nop) RecordDispatchScan(int, time.Duration) {}
func (Nop) RecordAutopilotResult(string)          {}
func (Nop) RecordMetricsRefreshed(int)            {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
