package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rivercast"

// Recorder holds the Prometheus collectors for HTTP traffic, session
// lifecycle, viewers, chat fan-out and the transcoder. Each Recorder owns its
// registry so tests can build isolated instances.
type Recorder struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	streamEvents     *prometheus.CounterVec
	activeStreams    prometheus.Gauge
	viewers          prometheus.Gauge
	viewerEvents     *prometheus.CounterVec
	chatEvents       *prometheus.CounterVec
	chatRejections   *prometheus.CounterVec
	droppedSubs      prometheus.Counter
	transcoderEvents *prometheus.CounterVec
	activeTranscoder prometheus.Gauge
	renditionDrops   *prometheus.CounterVec
	segments         *prometheus.CounterVec
	collaborators    *prometheus.CounterVec
}

var defaultRecorder = New()

// New constructs a Recorder with a fresh registry. Process and Go runtime
// collectors are registered alongside the service metrics.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed by the API",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream session lifecycle events by type",
		}, []string{"event"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Current number of sessions marked as live",
		}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers",
			Help:      "Current number of joined viewers across all sessions",
		}),
		viewerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_events_total",
			Help:      "Viewer admission outcomes",
		}, []string{"event"}),
		chatEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_events_total",
			Help:      "Chat messages accepted into fan-out by kind",
		}, []string{"kind"}),
		chatRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_rejections_total",
			Help:      "Chat messages rejected before fan-out by reason",
		}, []string{"reason"}),
		droppedSubs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_subscribers_dropped_total",
			Help:      "Subscribers disconnected because their outbound queue overflowed",
		}),
		transcoderEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcoder_jobs_total",
			Help:      "Transcoder job events by status",
		}, []string{"status"}),
		activeTranscoder: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcoder_active_jobs",
			Help:      "Current number of active transcoder jobs",
		}),
		renditionDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcoder_renditions_dropped_total",
			Help:      "Renditions removed from a live ladder after an encode failure",
		}, []string{"rendition"}),
		segments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcoder_segments_total",
			Help:      "Media segments written per rendition",
		}, []string{"rendition"}),
		collaborators: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_failures_total",
			Help:      "Failed calls to external collaborators",
		}, []string{"collaborator"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.streamEvents,
		r.activeStreams,
		r.viewers,
		r.viewerEvents,
		r.chatEvents,
		r.chatRejections,
		r.droppedSubs,
		r.transcoderEvents,
		r.activeTranscoder,
		r.renditionDrops,
		r.segments,
		r.collaborators,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest records one HTTP request against its route pattern.
func (r *Recorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	if route == "" {
		route = "unmatched"
	}
	r.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (r *Recorder) StreamCreated() {
	r.streamEvents.WithLabelValues("create").Inc()
}

func (r *Recorder) StreamStarted() {
	r.streamEvents.WithLabelValues("start").Inc()
	r.activeStreams.Inc()
}

func (r *Recorder) StreamStopped() {
	r.streamEvents.WithLabelValues("stop").Inc()
	r.activeStreams.Dec()
}

// StreamFailed records a session moving to error. wasLive reports whether
// the active gauge had been incremented for it.
func (r *Recorder) StreamFailed(wasLive bool) {
	r.streamEvents.WithLabelValues("fail").Inc()
	if wasLive {
		r.activeStreams.Dec()
	}
}

func (r *Recorder) ViewerJoined() {
	r.viewerEvents.WithLabelValues("join").Inc()
	r.viewers.Inc()
}

func (r *Recorder) ViewerLeft() {
	r.viewerEvents.WithLabelValues("leave").Inc()
	r.viewers.Dec()
}

// ViewerRejected records a refused join keyed by error code.
func (r *Recorder) ViewerRejected(code string) {
	r.viewerEvents.WithLabelValues("reject_" + normalizeName(code)).Inc()
}

func (r *Recorder) ObserveChatEvent(kind string) {
	r.chatEvents.WithLabelValues(normalizeName(kind)).Inc()
}

func (r *Recorder) ChatRejected(reason string) {
	r.chatRejections.WithLabelValues(normalizeName(reason)).Inc()
}

func (r *Recorder) SubscriberDropped() {
	r.droppedSubs.Inc()
}

func (r *Recorder) TranscoderJobStarted() {
	r.transcoderEvents.WithLabelValues("start").Inc()
	r.activeTranscoder.Inc()
}

func (r *Recorder) TranscoderJobCompleted() {
	r.transcoderEvents.WithLabelValues("complete").Inc()
	r.activeTranscoder.Dec()
}

func (r *Recorder) TranscoderJobFailed() {
	r.transcoderEvents.WithLabelValues("fail").Inc()
	r.activeTranscoder.Dec()
}

func (r *Recorder) RenditionDropped(name string) {
	r.renditionDrops.WithLabelValues(normalizeName(name)).Inc()
}

func (r *Recorder) SegmentWritten(rendition string) {
	r.segments.WithLabelValues(normalizeName(rendition)).Inc()
}

// CollaboratorFailure counts a failed call to persistence, the event bus or
// the license service.
func (r *Recorder) CollaboratorFailure(name string) {
	r.collaborators.WithLabelValues(normalizeName(name)).Inc()
}

// Registry exposes the underlying registry for tests and custom collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
// updateGauges, when set, runs before each scrape.
func (r *Recorder) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, req)
	})
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
