package metrics

import (
	"sort"
	"sync"
	"time"

	"controlplane/common"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sdn_controller"

// OutcomeSink receives every recorded outcome, e.g. to publish it elsewhere.
type OutcomeSink interface {
	PublishOutcome(rec OutcomeRecord)
}

// OutcomeRecord is the last outcome seen for a flow.
type OutcomeRecord struct {
	Flow    string    `json:"flow"`
	Outcome string    `json:"outcome"`
	Path    string    `json:"path,omitempty"`
	At      time.Time `json:"at"`
}

// Metrics owns the controller's Prometheus collectors and the per-flow
// outcome record.
type Metrics struct {
	registry        *prometheus.Registry
	outcomes        *prometheus.CounterVec
	flowCount       prometheus.Gauge
	linkUtilization *prometheus.GaugeVec
	rerouteDuration *prometheus.HistogramVec

	mu         sync.RWMutex
	lastByFlow map[string]OutcomeRecord
	maxFlows   int
	sinks      []OutcomeSink
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "path_outcomes_total",
				Help:      "Path outcomes by kind: Decided, Fallback or ReroutePermanentlyFailed.",
			},
			[]string{"outcome"},
		),
		flowCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flows",
			Help:      "Flow records currently held.",
		}),
		linkUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "link_utilization_ratio",
				Help:      "Last sampled transmit utilization of a switch port.",
			},
			[]string{"switch", "port"},
		),
		rerouteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reroute_duration_seconds",
				Help:      "Time from link-down detection to the end of a reroute cycle.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"result"},
		),
		lastByFlow: make(map[string]OutcomeRecord),
		maxFlows:   4096,
	}
	m.registry.MustRegister(m.outcomes, m.flowCount, m.linkUtilization, m.rerouteDuration)
	for _, o := range []common.Outcome{common.OutcomeDecided, common.OutcomeFallback, common.OutcomeReroutePermanentlyFailed} {
		m.outcomes.WithLabelValues(o.String())
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) AddSink(sink OutcomeSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// RecordOutcome counts the outcome and remembers it as the flow's latest.
func (m *Metrics) RecordOutcome(key common.FlowKey, outcome common.Outcome, path common.Path) {
	m.outcomes.WithLabelValues(outcome.String()).Inc()

	rec := OutcomeRecord{Flow: key.String(), Outcome: outcome.String(), At: time.Now()}
	if path != nil {
		rec.Path = path.String()
	}

	m.mu.Lock()
	if _, exists := m.lastByFlow[rec.Flow]; !exists && len(m.lastByFlow) >= m.maxFlows {
		m.evictOldestLocked()
	}
	m.lastByFlow[rec.Flow] = rec
	sinks := append([]OutcomeSink(nil), m.sinks...)
	m.mu.Unlock()

	for _, s := range sinks {
		s.PublishOutcome(rec)
	}
}

func (m *Metrics) evictOldestLocked() {
	var oldest string
	var at time.Time
	for k, v := range m.lastByFlow {
		if oldest == "" || v.At.Before(at) {
			oldest, at = k, v.At
		}
	}
	delete(m.lastByFlow, oldest)
}

func (m *Metrics) ObserveReroute(elapsed time.Duration, succeeded bool) {
	result := "success"
	if !succeeded {
		result = "failure"
	}
	m.rerouteDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

func (m *Metrics) SetFlowCount(n int) {
	m.flowCount.Set(float64(n))
}

func (m *Metrics) SetLinkUtilization(sw common.SwitchID, port common.PortNo, ratio float64) {
	m.linkUtilization.WithLabelValues(sw.String(), portLabel(port)).Set(ratio)
}

// LastOutcomes returns the latest outcome per flow ordered by flow.
func (m *Metrics) LastOutcomes() []OutcomeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]OutcomeRecord, 0, len(m.lastByFlow))
	for _, v := range m.lastByFlow {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Flow < out[j].Flow })
	return out
}

func (m *Metrics) LastOutcome(key common.FlowKey) (OutcomeRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.lastByFlow[key.String()]
	return v, ok
}

// OutcomeCounts reads the counters back, keyed by outcome name.
func (m *Metrics) OutcomeCounts() map[string]float64 {
	counts := make(map[string]float64)
	families, err := m.registry.Gather()
	if err != nil {
		return counts
	}
	for _, f := range families {
		if f.GetName() != namespace+"_path_outcomes_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" {
					counts[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	return counts
}
