// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はローンチ認証と成績送信のメトリクスを収集する。
type Collector struct {
	launchAccepted     prometheus.Counter
	launchRejected     *prometheus.CounterVec
	usersCreated       prometheus.Counter
	gradeReports       *prometheus.CounterVec
	gradeReportLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		launchAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ltipoll_launch_accepted_total",
			Help: "受理されたLTIローンチの合計数",
		}),
		launchRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ltipoll_launch_rejected_total",
			Help: "拒否されたLTIローンチの理由別合計数",
		}, []string{"reason"}),
		usersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ltipoll_users_created_total",
			Help: "遅延作成されたLTIユーザーの合計数",
		}),
		gradeReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ltipoll_grade_reports_total",
			Help: "成績送信の結果分類別合計数",
		}, []string{"outcome"}),
		gradeReportLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ltipoll_grade_report_latency_seconds",
			Help:    "成績送信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.launchAccepted,
		c.launchRejected,
		c.usersCreated,
		c.gradeReports,
		c.gradeReportLatency,
	)

	return c
}

// RecordLaunchAccepted はローンチ受理を記録する。
func (c *Collector) RecordLaunchAccepted() {
	c.launchAccepted.Inc()
}

// RecordLaunchRejected はローンチ拒否を理由付きで記録する。
func (c *Collector) RecordLaunchRejected(reason string) {
	c.launchRejected.WithLabelValues(reason).Inc()
}

// RecordUserCreated はLTIユーザーの遅延作成を記録する。
func (c *Collector) RecordUserCreated() {
	c.usersCreated.Inc()
}

// RecordGradeReport は成績送信の結果分類を記録する。
func (c *Collector) RecordGradeReport(outcome string) {
	c.gradeReports.WithLabelValues(outcome).Inc()
}

// RecordGradeReportLatency は成績送信のレイテンシを記録する。
func (c *Collector) RecordGradeReportLatency(d time.Duration) {
	c.gradeReportLatency.Observe(d.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
