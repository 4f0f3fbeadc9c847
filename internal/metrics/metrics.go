// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 認証処理の結果ラベル
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービスやミドルウェアから利用する。
type MetricsCollector interface {
	RecordAuthAttempt(flow, outcome string)
	RecordSessionIssued(anonymous bool)
	RecordSessionsRevoked(count int64)
	RecordFederatedVerification(outcome string)
	RecordHandoff(operation, outcome string)
	RecordHTTPStatus(statusCode int)
	RecordKeySetRefreshLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts      *prometheus.CounterVec
	sessionsIssued    *prometheus.CounterVec
	sessionsRevoked   prometheus.Counter
	federatedVerified *prometheus.CounterVec
	handoff           *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
	keySetLatency     prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agora_auth_attempts_total",
			Help: "認証フロー別・結果別の試行数",
		}, []string{"flow", "outcome"}),
		sessionsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agora_sessions_issued_total",
			Help: "発行したセッション数",
		}, []string{"anonymous"}),
		sessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agora_sessions_revoked_total",
			Help: "一括失効したセッション数",
		}),
		federatedVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agora_federated_verifications_total",
			Help: "外部IDトークン検証の結果別の数",
		}, []string{"outcome"}),
		handoff: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agora_handoff_total",
			Help: "ハンドオフチケット操作の結果別の数",
		}, []string{"operation", "outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agora_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		keySetLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agora_keyset_refresh_latency_seconds",
			Help:    "署名鍵セット取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.sessionsIssued,
		c.sessionsRevoked,
		c.federatedVerified,
		c.handoff,
		c.httpStatus,
		c.keySetLatency,
	)

	return c
}

// RecordAuthAttempt は認証フロー（signup, login 等）の結果を記録する。
func (c *Collector) RecordAuthAttempt(flow, outcome string) {
	c.authAttempts.WithLabelValues(flow, outcome).Inc()
}

// RecordSessionIssued はセッション発行を記録する。
func (c *Collector) RecordSessionIssued(anonymous bool) {
	c.sessionsIssued.WithLabelValues(strconv.FormatBool(anonymous)).Inc()
}

// RecordSessionsRevoked は一括失効したセッション数を記録する。
func (c *Collector) RecordSessionsRevoked(count int64) {
	c.sessionsRevoked.Add(float64(count))
}

// RecordFederatedVerification は外部IDトークン検証の結果を記録する。
func (c *Collector) RecordFederatedVerification(outcome string) {
	c.federatedVerified.WithLabelValues(outcome).Inc()
}

// RecordHandoff はハンドオフチケット操作（sign, bind, resolve）の結果を記録する。
func (c *Collector) RecordHandoff(operation, outcome string) {
	c.handoff.WithLabelValues(operation, outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordKeySetRefreshLatency は署名鍵セット取得のレイテンシを記録する。
func (c *Collector) RecordKeySetRefreshLatency(duration time.Duration) {
	c.keySetLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。メトリクスを使わないテストや構成で使用する。
type Nop struct{}

func (Nop) RecordAuthAttempt(string, string)         {}
func (Nop) RecordSessionIssued(bool)                 {}
func (Nop) RecordSessionsRevoked(int64)              {}
func (Nop) RecordFederatedVerification(string)       {}
func (Nop) RecordHandoff(string, string)             {}
func (Nop) RecordHTTPStatus(int)                     {}
func (Nop) RecordKeySetRefreshLatency(time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
