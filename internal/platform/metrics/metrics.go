// Package metrics は貸出エンジンと sweeper が共有する Prometheus のコレクタ
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultSent   = "sent"
	ResultFailed = "failed"
)

var (
	// 通知の試行回数（種類・結果別）
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "library",
		Name:      "notifications_total",
		Help:      "Notification delivery attempts by kind and result.",
	}, []string{"kind", "result"})

	// sweep ごとに状態を変えた件数
	SweepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "library",
		Name:      "sweep_transitions_total",
		Help:      "Records transitioned by scheduler sweeps.",
	}, []string{"sweep"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "library",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of a full scheduler run.",
		Buckets:   prometheus.DefBuckets,
	})

	// 貸出・返却・予約・取消の結果（成功は "ok"、失敗はエラーコード）
	LifecycleOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "library",
		Name:      "lifecycle_operations_total",
		Help:      "Lifecycle operations by operation and outcome.",
	}, []string{"op", "outcome"})
)

// Handler は既定レジストリを gin 用に公開する
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
