package monitoring

import (
	"time"

	"streamgate/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records session, publisher and reaper events.
type PrometheusCollector struct {
	sessionsByState   *prometheus.GaugeVec
	processStarts     *prometheus.CounterVec
	processExits      *prometheus.CounterVec
	retriesTotal      prometheus.Counter
	retryDelay        prometheus.Histogram
	streamSubscribers *prometheus.GaugeVec

	segmentsPublished *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec

	reaperStops   *prometheus.CounterVec
	leasesExpired prometheus.Counter
	orphansReaped prometheus.Counter
}

// NewPrometheusCollector registers the collector's metrics with reg. A nil
// reg uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamgate_sessions",
			Help: "Number of sessions in each non-terminal state",
		}, []string{"state"}),

		processStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_engine_starts_total",
			Help: "Engine process launches by result",
		}, []string{"result"}),

		processExits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_engine_exits_total",
			Help: "Engine process exits by last classified error",
		}, []string{"kind"}),

		retriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_engine_retries_total",
			Help: "Engine restarts scheduled after an unexpected exit",
		}),

		retryDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamgate_engine_retry_delay_seconds",
			Help:    "Backoff applied before engine restarts",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),

		streamSubscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamgate_stream_subscribers",
			Help: "Subscribers attached to each stream",
		}, []string{"stream_key"}),

		segmentsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_segments_published_total",
			Help: "HLS segments added to a playlist",
		}, []string{"stream_key"}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_relay_frames_dropped_total",
			Help: "Frames dropped for slow relay subscribers",
		}, []string{"stream_key"}),

		reaperStops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_reaper_stops_total",
			Help: "Sessions stopped by the reaper",
		}, []string{"reason"}),

		leasesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_leases_expired_total",
			Help: "Subscription leases expired by the reaper",
		}),

		orphansReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamgate_orphans_reaped_total",
			Help: "Engine processes from a previous run killed at startup",
		}),
	}
}

func (p *PrometheusCollector) StateChanged(key domain.StreamKey, from, to domain.SessionState) {
	if from != "" && from != domain.StateStopped {
		p.sessionsByState.WithLabelValues(string(from)).Dec()
	}
	if to != domain.StateStopped {
		p.sessionsByState.WithLabelValues(string(to)).Inc()
		return
	}
	p.streamSubscribers.DeleteLabelValues(string(key))
	p.segmentsPublished.DeleteLabelValues(string(key))
	p.framesDropped.DeleteLabelValues(string(key))
}

func (p *PrometheusCollector) ProcessStarted(key domain.StreamKey, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.processStarts.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) ProcessExited(key domain.StreamKey, code int, kind domain.ErrorKind) {
	label := string(kind)
	if label == "" {
		label = "none"
	}
	p.processExits.WithLabelValues(label).Inc()
}

func (p *PrometheusCollector) RetryScheduled(key domain.StreamKey, attempt int, delay time.Duration) {
	p.retriesTotal.Inc()
	p.retryDelay.Observe(delay.Seconds())
}

func (p *PrometheusCollector) SubscribersChanged(key domain.StreamKey, count int) {
	p.streamSubscribers.WithLabelValues(string(key)).Set(float64(count))
}

func (p *PrometheusCollector) SegmentPublished(key domain.StreamKey) {
	p.segmentsPublished.WithLabelValues(string(key)).Inc()
}

func (p *PrometheusCollector) FramesDropped(key domain.StreamKey, n int) {
	p.framesDropped.WithLabelValues(string(key)).Add(float64(n))
}

func (p *PrometheusCollector) RecordReaperStop(reason domain.StopReason) {
	p.reaperStops.WithLabelValues(string(reason)).Inc()
}

func (p *PrometheusCollector) RecordLeasesExpired(n int) {
	p.leasesExpired.Add(float64(n))
}

func (p *PrometheusCollector) RecordOrphansReaped(n int) {
	p.orphansReaped.Add(float64(n))
}
