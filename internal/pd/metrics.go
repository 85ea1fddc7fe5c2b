package pd

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	labelComID  = "com_id"
	labelReason = "reason"
)

// Metrics mirrors the session counters for prometheus scraping. The engine
// keeps its own plain counters (they feed the statistics telegram); these
// are the operational view.
type Metrics struct {
	FramesSent     *prometheus.CounterVec
	FramesReceived prometheus.Counter
	FramesInvalid  *prometheus.CounterVec
	NoSubscription prometheus.Counter
	Timeouts       *prometheus.CounterVec
	SequenceMissed *prometheus.CounterVec
	SendErrors     *prometheus.CounterVec
	PullRequests   prometheus.Counter
	Publishers     prometheus.Gauge
	Subscribers    prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trdp_pd_frames_sent_total",
			Help: "PD frames emitted, by ComID.",
		}, []string{labelComID}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trdp_pd_frames_received_total",
			Help: "PD frames received and accepted at wire level.",
		}),
		FramesInvalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trdp_pd_frames_invalid_total",
			Help: "PD frames rejected by the crc, wire or topology checks, by reason.",
		}, []string{labelReason}),
		NoSubscription: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trdp_pd_frames_unmatched_total",
			Help: "Valid PD frames with no matching subscription.",
		}),
		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trdp_pd_subscriber_timeouts_total",
			Help: "Subscriber timeout episodes, by ComID.",
		}, []string{labelComID}),
		SequenceMissed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trdp_pd_sequence_missed_total",
			Help: "Sequence counter gaps observed, by ComID.",
		}, []string{labelComID}),
		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trdp_pd_send_errors_total",
			Help: "Transport send failures, by ComID.",
		}, []string{labelComID}),
		PullRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trdp_pd_pull_requests_total",
			Help: "PULL requests received.",
		}),
		Publishers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trdp_pd_publishers",
			Help: "Current number of publisher elements.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trdp_pd_subscribers",
			Help: "Current number of subscriber elements.",
		}),
	}
}

// Register attaches all collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.FramesSent, m.FramesReceived, m.FramesInvalid, m.NoSubscription,
		m.Timeouts, m.SequenceMissed, m.SendErrors, m.PullRequests,
		m.Publishers, m.Subscribers,
	)
}
