package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "queue"},
	)

	// 外部供应商调用延迟（毫秒）：投递、收信、验证
	ProviderCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_latency_ms",
			Help:    "Mailbox / verification provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10),
		},
		[]string{"provider", "operation", "status"},
	)

	CampaignSendCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_send_total",
			Help: "Outcomes of campaign-send jobs",
		},
		[]string{"outcome"}, // sent, skipped_duplicate, skipped_reply, stale, stopped_unverified, completed, failed, retry
	)

	VerificationVerdictCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_verification_verdict_total",
			Help: "Verdicts written into the global email registry",
		},
		[]string{"status"},
	)

	VerificationPollCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_verification_poll_total",
			Help: "Bulk verification poll attempts",
		},
		[]string{"result"}, // ready, pending, error, exhausted
	)

	ReplyProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reply_processed_total",
			Help: "Inbound messages matched to outbound sends",
		},
		[]string{"kind", "match"}, // kind: reply, bounce; match: thread, subject
	)

	CampaignCompletedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_completed_total",
			Help: "Campaigns transitioned to completed",
		},
		[]string{"reason"}, // quiescent, auto_stop
	)

	RateLimiterWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailbox_limiter_wait_ms",
			Help:    "Time spent waiting for a per-mailbox concurrency slot",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"sender_type"},
	)

	JobErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_error_total",
			Help: "Job processing errors by routing key and error kind",
		},
		[]string{"routing_key", "kind"},
	)

	SchedulerEnqueuedCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_enqueued_total",
			Help: "campaign-send jobs emitted by the scheduler",
		},
	)

	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordProviderCall 记录供应商调用延迟
func RecordProviderCall(provider, operation, status string, duration time.Duration) {
	ProviderCallLatency.WithLabelValues(provider, operation, status).Observe(float64(duration.Milliseconds()))
}

func IncrementCampaignSend(outcome string) {
	CampaignSendCount.WithLabelValues(outcome).Inc()
}

func IncrementVerificationVerdict(status string) {
	VerificationVerdictCount.WithLabelValues(status).Inc()
}

func IncrementVerificationPoll(result string) {
	VerificationPollCount.WithLabelValues(result).Inc()
}

func IncrementReplyProcessed(kind, match string) {
	ReplyProcessedCount.WithLabelValues(kind, match).Inc()
}

func IncrementCampaignCompleted(reason string) {
	CampaignCompletedCount.WithLabelValues(reason).Inc()
}

func RecordLimiterWait(senderType string, duration time.Duration) {
	RateLimiterWait.WithLabelValues(senderType).Observe(float64(duration.Milliseconds()))
}

func IncrementJobError(routingKey, kind string) {
	JobErrorCount.WithLabelValues(routingKey, kind).Inc()
}

func AddSchedulerEnqueued(n int) {
	SchedulerEnqueuedCount.Add(float64(n))
}

func IncrementSlowQuery() {
	SlowQueryCount.Inc()
}
