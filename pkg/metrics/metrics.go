package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/sppp/pkg/ppp"
)

// Metrics holds all Prometheus metrics. It implements ppp.Observer, so a
// single instance can be handed to every link.
type Metrics struct {
	// Automaton metrics
	stateTransitions *prometheus.CounterVec
	phaseTransitions *prometheus.CounterVec
	linksByPhase     *prometheus.GaugeVec
	linksActive      prometheus.Gauge

	// Error metrics
	inputErrors  *prometheus.CounterVec
	outputErrors *prometheus.CounterVec

	// Authentication metrics
	authResults *prometheus.CounterVec

	// Keepalive metrics
	loopbacks         prometheus.Counter
	keepalivesSent    prometheus.Counter
	keepaliveTimeouts prometheus.Counter

	// Traffic metrics
	linkBytes   *prometheus.CounterVec
	linkPackets *prometheus.CounterVec

	// RADIUS metrics
	radiusRequests *prometheus.CounterVec
	radiusLatency  *prometheus.HistogramVec
	radiusTimeouts *prometheus.CounterVec

	// References for collection
	registry *ppp.Registry
	logger   *zap.Logger

	mu        sync.Mutex
	lastStats map[uuid.UUID]ppp.Stats
}

var _ ppp.Observer = (*Metrics)(nil)

// New creates a new Metrics instance. With a nil registry Collect is a no-op.
func New(registry *ppp.Registry, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		registry:  registry,
		logger:    logger,
		lastStats: make(map[uuid.UUID]ppp.Stats),

		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sppp_state_transitions_total",
				Help: "Control protocol state transitions by protocol and target state",
			},
			[]string{"proto", "to"},
		),

		phaseTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sppp_phase_transitions_total",
				Help: "Link phase transitions by target phase",
			},
			[]string{"phase"},
		),

		linksByPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sppp_links",
				Help: "Number of links by phase",
			},
			[]string{"phase"},
		),

		linksActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sppp_links_attached",
				Help: "Number of links attached to the supervisor",
			},
		),

		inputErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sppp_input_errors_total",
				Help: "Dropped input frames by reason",
			},
			[]string{"reason"},
		),

		outputErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sppp_output_errors_total",
				Help: "Dropped output frames by reason",
			},
			[]string{"reason"},
		),

		authResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sppp_auth_total",
				Help: "Authentication attempts by protocol and result",
			},
			[]string{"proto", "result"},
		),

		loopbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sppp_loopback_detected_total",
				Help: "Looped-back lines detected",
			},
		),

		keepalivesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sppp_keepalives_sent_total",
				Help: "Keepalive requests sent",
			},
		),

		keepaliveTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sppp_keepalive_timeouts_total",
				Help: "Links taken down for missing keepalive replies",
			},
		),

		linkBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sppp_bytes_total",
				Help: "Bytes through all links by direction",
			},
			[]string{"direction"},
		),

		linkPackets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sppp_packets_total",
				Help: "Frames through all links by direction",
			},
			[]string{"direction"},
		),

		radiusRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sppp_radius_requests_total",
				Help: "Total RADIUS requests by type, result and server",
			},
			[]string{"type", "result", "server"},
		),

		radiusLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sppp_radius_latency_seconds",
				Help:    "RADIUS request latency",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"type", "server"},
		),

		radiusTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sppp_radius_timeouts_total",
				Help: "Total RADIUS timeouts by server",
			},
			[]string{"server"},
		),
	}

	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.stateTransitions,
		m.phaseTransitions,
		m.linksByPhase,
		m.linksActive,
		m.inputErrors,
		m.outputErrors,
		m.authResults,
		m.loopbacks,
		m.keepalivesSent,
		m.keepaliveTimeouts,
		m.linkBytes,
		m.linkPackets,
		m.radiusRequests,
		m.radiusLatency,
		m.radiusTimeouts,
	}
}

// Register registers all metrics with the default Prometheus registry.
func (m *Metrics) Register() error {
	return m.RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith registers all metrics with reg. Collectors that are already
// registered are skipped.
func (m *Metrics) RegisterWith(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// --- ppp.Observer ---

func (m *Metrics) StateChanged(_, proto string, _, to ppp.State) {
	m.stateTransitions.WithLabelValues(proto, to.String()).Inc()
}

func (m *Metrics) PhaseChanged(_ string, _, to ppp.Phase) {
	m.phaseTransitions.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) InputError(_, reason string) {
	m.inputErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) OutputError(_, reason string) {
	m.outputErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) AuthResult(_, proto string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	m.authResults.WithLabelValues(proto, result).Inc()
}

func (m *Metrics) Loopback(string) { m.loopbacks.Inc() }

func (m *Metrics) KeepaliveSent(string) { m.keepalivesSent.Inc() }

func (m *Metrics) KeepaliveTimeout(string) { m.keepaliveTimeouts.Inc() }

// --- RADIUS ---

// RecordRADIUSRequest records a RADIUS request.
func (m *Metrics) RecordRADIUSRequest(reqType, result, server string, latency time.Duration) {
	m.radiusRequests.WithLabelValues(reqType, result, server).Inc()
	m.radiusLatency.WithLabelValues(reqType, server).Observe(latency.Seconds())
}

// RecordRADIUSTimeout records a RADIUS timeout.
func (m *Metrics) RecordRADIUSTimeout(server string) {
	m.radiusTimeouts.WithLabelValues(server).Inc()
}

// Collect updates the gauges and traffic counters from the link registry.
func (m *Metrics) Collect() {
	if m.registry == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byPhase := make(map[ppp.Phase]int)
	seen := make(map[uuid.UUID]struct{})
	for _, l := range m.registry.Links() {
		st := l.Status()
		byPhase[st.Phase]++
		seen[st.ID] = struct{}{}
		m.updateTraffic(st.ID, st.Stats)
	}
	for id := range m.lastStats {
		if _, ok := seen[id]; !ok {
			delete(m.lastStats, id)
		}
	}

	for _, p := range []ppp.Phase{ppp.PhaseDead, ppp.PhaseEstablish, ppp.PhaseTerminate, ppp.PhaseAuthenticate, ppp.PhaseNetwork} {
		m.linksByPhase.WithLabelValues(p.String()).Set(float64(byPhase[p]))
	}
	m.linksActive.Set(float64(len(seen)))
	m.logger.Debug("collected link metrics", zap.Int("links", len(seen)))
}

// updateTraffic adds the counter deltas of one link since the last collection.
func (m *Metrics) updateTraffic(id uuid.UUID, stats ppp.Stats) {
	last := m.lastStats[id]

	if delta := stats.InBytes - last.InBytes; stats.InBytes > last.InBytes {
		m.linkBytes.WithLabelValues("in").Add(float64(delta))
	}
	if delta := stats.OutBytes - last.OutBytes; stats.OutBytes > last.OutBytes {
		m.linkBytes.WithLabelValues("out").Add(float64(delta))
	}
	if delta := stats.InPackets - last.InPackets; stats.InPackets > last.InPackets {
		m.linkPackets.WithLabelValues("in").Add(float64(delta))
	}
	if delta := stats.OutPackets - last.OutPackets; stats.OutPackets > last.OutPackets {
		m.linkPackets.WithLabelValues("out").Add(float64(delta))
	}

	m.lastStats[id] = stats
}

// StartCollector collects every interval until stopCh is closed.
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}
