package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标
type AppMetrics struct {
	WSAccepted         prometheus.Counter
	WSRejected         *prometheus.CounterVec // labels: reason
	OnlineGauge        prometheus.Gauge       // 当前在线充电桩数
	SupersededTotal    prometheus.Counter     // 同ID重连顶替
	FramesTotal        *prometheus.CounterVec // labels: direction=in|out
	FrameBytes         *prometheus.CounterVec // labels: direction
	MalformedTotal     prometheus.Counter
	DispatchTotal      *prometheus.CounterVec   // labels: action, outcome
	CallTotal          *prometheus.CounterVec   // labels: action, outcome
	CallLatency        *prometheus.HistogramVec // labels: action
	OrphanReplies      prometheus.Counter
	TransactionOps     *prometheus.CounterVec // labels: op, status
	ActiveTransactions prometheus.Gauge
	EnergyDeliveredWh  prometheus.Counter
	MeterAnomalies     prometheus.Counter
	LongTransactions   prometheus.Gauge
	HeartbeatTotal     prometheus.Counter     // 心跳计数
	PeriodicTotal      *prometheus.CounterVec // labels: task, outcome
	WebhookTotal       *prometheus.CounterVec // labels: event, result
	FrameAuditDropped  prometheus.Counter
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		WSAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocpp_ws_accept_total",
			Help: "Total accepted OCPP WebSocket connections.",
		}),
		WSRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_ws_reject_total",
			Help: "Rejected WebSocket handshakes by reason.",
		}, []string{"reason"}),
		OnlineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocpp_online_charge_points",
			Help: "Current number of connected charge points.",
		}),
		SupersededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocpp_session_superseded_total",
			Help: "Connections replaced by a reconnect under the same identity.",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_frames_total",
			Help: "OCPP-J frames by direction.",
		}, []string{"direction"}),
		FrameBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_frame_bytes_total",
			Help: "OCPP-J frame bytes by direction.",
		}, []string{"direction"}),
		MalformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocpp_malformed_frames_total",
			Help: "Inbound frames that failed envelope decoding.",
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_dispatch_total",
			Help: "Inbound calls dispatched by action and outcome.",
		}, []string{"action", "outcome"}),
		CallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_call_total",
			Help: "Outbound calls by action and outcome.",
		}, []string{"action", "outcome"}),
		CallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocpp_call_duration_seconds",
			Help:    "Outbound call round-trip latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"action"}),
		OrphanReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocpp_orphan_replies_total",
			Help: "Replies that matched no pending call.",
		}),
		TransactionOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_transaction_ops_total",
			Help: "Transaction manager operations by result.",
		}, []string{"op", "status"}),
		ActiveTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocpp_active_transactions",
			Help: "Transactions currently in progress.",
		}),
		EnergyDeliveredWh: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocpp_energy_delivered_wh_total",
			Help: "Energy settled by stopped transactions (Wh).",
		}),
		MeterAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocpp_meter_anomalies_total",
			Help: "Decreasing meter readings or negative energy on stop.",
		}),
		LongTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocpp_long_running_transactions",
			Help: "Active transactions older than the configured threshold.",
		}),
		HeartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocpp_heartbeat_total",
			Help: "Total heartbeats observed.",
		}),
		PeriodicTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_periodic_task_total",
			Help: "Periodic task runs by task and outcome.",
		}, []string{"task", "outcome"}),
		WebhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_webhook_push_total",
			Help: "Transaction event webhook deliveries.",
		}, []string{"event", "result"}),
		FrameAuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocpp_frame_audit_dropped_total",
			Help: "Frames not written to the audit log because the buffer was full.",
		}),
	}
	reg.MustRegister(
		m.WSAccepted, m.WSRejected, m.OnlineGauge, m.SupersededTotal,
		m.FramesTotal, m.FrameBytes, m.MalformedTotal,
		m.DispatchTotal, m.CallTotal, m.CallLatency, m.OrphanReplies,
		m.TransactionOps, m.ActiveTransactions, m.EnergyDeliveredWh, m.MeterAnomalies, m.LongTransactions,
		m.HeartbeatTotal, m.PeriodicTotal, m.WebhookTotal, m.FrameAuditDropped,
	)
	return m
}

// ---------- 观测者适配 ----------

// Accepted 实现 transport.Observer
func (m *AppMetrics) Accepted(string) { m.WSAccepted.Inc() }

// Rejected 实现 transport.Observer
func (m *AppMetrics) Rejected(reason string) { m.WSRejected.WithLabelValues(reason).Inc() }

// RecordDispatch 入站分派结果
func (m *AppMetrics) RecordDispatch(action, outcome string) {
	m.DispatchTotal.WithLabelValues(action, outcome).Inc()
}

// RecordCall 出站调用结果
func (m *AppMetrics) RecordCall(action, outcome string, elapsed time.Duration) {
	if outcome == "orphan" {
		m.OrphanReplies.Inc()
		return
	}
	m.CallTotal.WithLabelValues(action, outcome).Inc()
	if elapsed > 0 {
		m.CallLatency.WithLabelValues(action).Observe(elapsed.Seconds())
	}
}

// RecordTransaction 事务状态机操作
func (m *AppMetrics) RecordTransaction(op, status string) {
	m.TransactionOps.WithLabelValues(op, status).Inc()
	if status == "anomaly" {
		m.MeterAnomalies.Inc()
	}
}

// RecordPeriodic 周期任务结果
func (m *AppMetrics) RecordPeriodic(task, outcome string) {
	m.PeriodicTotal.WithLabelValues(task, outcome).Inc()
}

// RecordFrame 帧计数
func (m *AppMetrics) RecordFrame(direction string, size int) {
	m.FramesTotal.WithLabelValues(direction).Inc()
	m.FrameBytes.WithLabelValues(direction).Add(float64(size))
}

// RecordWebhook 推送结果
func (m *AppMetrics) RecordWebhook(event, result string) {
	m.WebhookTotal.WithLabelValues(event, result).Inc()
}

// RecordHeartbeat 心跳计数
func (m *AppMetrics) RecordHeartbeat() { m.HeartbeatTotal.Inc() }

// RecordEnergy 结算电量；负值（电表异常）不计入
func (m *AppMetrics) RecordEnergy(wh int64) {
	if wh > 0 {
		m.EnergyDeliveredWh.Add(float64(wh))
	}
}

func (m *AppMetrics) SetActiveTransactions(n int) { m.ActiveTransactions.Set(float64(n)) }
func (m *AppMetrics) SetLongTransactions(n int)   { m.LongTransactions.Set(float64(n)) }
func (m *AppMetrics) SetOnline(n int)             { m.OnlineGauge.Set(float64(n)) }
func (m *AppMetrics) RecordSuperseded()           { m.SupersededTotal.Inc() }
func (m *AppMetrics) RecordMalformed()            { m.MalformedTotal.Inc() }
func (m *AppMetrics) RecordFrameAuditDropped()    { m.FrameAuditDropped.Inc() }
