// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// プロバイダークライアント・サービス層・ワーカーから利用する。
type MetricsCollector interface {
	RecordProviderStatus(statusCode int)
	RecordProviderRetry()
	RecordProviderLatency(duration time.Duration)
	RecordTokenRefresh(success bool)
	RecordCacheHit()
	RecordCacheMiss()
	RecordActivitiesUpserted(count int)
	RecordExport(activityCount int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	providerStatus     *prometheus.CounterVec
	providerRetries    prometheus.Counter
	providerLatency    prometheus.Histogram
	tokenRefresh       *prometheus.CounterVec
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	activitiesUpserted prometheus.Counter
	exports            prometheus.Counter
	exportActivities   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		providerStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stridesync_provider_requests_total",
			Help: "Strava APIレスポンスのステータスコード別の合計数",
		}, []string{"status_code"}),
		providerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stridesync_provider_retries_total",
			Help: "Strava API呼び出しのリトライ合計数",
		}),
		providerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stridesync_provider_request_latency_seconds",
			Help:    "Strava API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stridesync_token_refresh_total",
			Help: "トークンリフレッシュの結果別の合計数",
		}, []string{"result"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stridesync_cache_hits_total",
			Help: "アクティビティキャッシュヒットの合計数",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stridesync_cache_misses_total",
			Help: "アクティビティキャッシュミスの合計数",
		}),
		activitiesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stridesync_activities_upserted_total",
			Help: "アップサートされたアクティビティの合計数",
		}),
		exports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stridesync_exports_total",
			Help: "GPXエクスポートリクエストの合計数",
		}),
		exportActivities: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stridesync_export_activities_total",
			Help: "エクスポートされたアクティビティの合計数",
		}),
	}

	reg.MustRegister(
		c.providerStatus,
		c.providerRetries,
		c.providerLatency,
		c.tokenRefresh,
		c.cacheHits,
		c.cacheMisses,
		c.activitiesUpserted,
		c.exports,
		c.exportActivities,
	)

	return c
}

// RecordProviderStatus はStrava APIレスポンスのステータスコードを記録する。
func (c *Collector) RecordProviderStatus(statusCode int) {
	c.providerStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordProviderRetry はStrava API呼び出しのリトライを記録する。
func (c *Collector) RecordProviderRetry() {
	c.providerRetries.Inc()
}

// RecordProviderLatency はStrava API呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(duration time.Duration) {
	c.providerLatency.Observe(duration.Seconds())
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordTokenRefresh(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.tokenRefresh.WithLabelValues(result).Inc()
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit() {
	c.cacheHits.Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss() {
	c.cacheMisses.Inc()
}

// RecordActivitiesUpserted はアップサートされたアクティビティ数を記録する。
func (c *Collector) RecordActivitiesUpserted(count int) {
	c.activitiesUpserted.Add(float64(count))
}

// RecordExport はエクスポートリクエストと含まれるアクティビティ数を記録する。
func (c *Collector) RecordExport(activityCount int) {
	c.exports.Inc()
	c.exportActivities.Add(float64(activityCount))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
