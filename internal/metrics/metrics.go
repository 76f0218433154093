// Package metrics 提供 bounty-indexer 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bounty_indexer"

// 索引推进指标
var (
	// BlocksProcessedTotal 已处理区块总数
	BlocksProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_processed_total",
			Help:      "已处理区块总数",
		},
	)

	// EventsProjectedTotal 已投影事件总数
	EventsProjectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_projected_total",
			Help:      "已投影事件总数",
		},
		[]string{"event_type"},
	)

	// BatchDuration 批次处理耗时
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "单个批次处理耗时(秒)",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// BatchSize 批次事件数量
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size_events",
			Help:      "单个批次包含的事件数量",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 200, 500},
		},
	)

	// CheckpointBlockGauge 当前检查点区块高度
	CheckpointBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_block_number",
			Help:      "当前检查点区块高度",
		},
	)

	// HeadBlockGauge 链头区块高度
	HeadBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "head_block_number",
			Help:      "事件源报告的链头区块高度",
		},
	)

	// IndexLagGauge 索引滞后区块数
	IndexLagGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_lag_blocks",
			Help:      "检查点与链头的区块差",
		},
	)
)

// 异常路径指标
var (
	// ReorgsTotal 检测到的链重组总数
	ReorgsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reorgs_total",
			Help:      "检测到的链重组总数",
		},
	)

	// TransientRetriesTotal 临时性错误重试总数
	TransientRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transient_retries_total",
			Help:      "临时性错误重试总数",
		},
	)

	// EngineHaltedGauge 引擎停机标记 (1=因结构性错误停机)
	EngineHaltedGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_halted",
			Help:      "引擎是否因结构性错误停机 (1=停机)",
		},
	)

	// NotifyFailuresTotal 投影变更通知发送失败总数
	NotifyFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "投影变更通知发送失败总数",
		},
		[]string{"entity_type"},
	)
)
