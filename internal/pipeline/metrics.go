package pipeline

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/ontoledger/internal/tools"
)

// IterationBuckets are the upper bounds of the agent iteration histogram.
var IterationBuckets = []float64{5, 10, 20, 50, 100}

// Metrics holds the Prometheus collectors of one run. Each run registers on
// its own registry so that the textfile only reflects that run.
//
// Metrics:
//   - ontoledger_units_total{stage,state} - units by freshness decision
//   - ontoledger_unit_failures_total{stage} - failed generations
//   - ontoledger_llm_calls_total{stage} - model requests
//   - ontoledger_tool_calls_total{tool,outcome} - agent tool calls
//   - ontoledger_emission_rejections_total - rejected triple emissions
//   - ontoledger_agent_iterations - iterations per agent run
type Metrics struct {
	Registry *prometheus.Registry

	Units      *prometheus.CounterVec
	Failures   *prometheus.CounterVec
	LLMCalls   *prometheus.CounterVec
	ToolCalls  *prometheus.CounterVec
	Rejections prometheus.Counter
	Iterations prometheus.Histogram
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Units: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ontoledger_units_total",
				Help: "Total number of units by stage and freshness decision",
			},
			[]string{"stage", "state"},
		),
		Failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ontoledger_unit_failures_total",
				Help: "Total number of failed unit generations",
			},
			[]string{"stage"},
		),
		LLMCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ontoledger_llm_calls_total",
				Help: "Total number of model requests",
			},
			[]string{"stage"},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ontoledger_tool_calls_total",
				Help: "Total number of agent tool calls",
			},
			[]string{"tool", "outcome"},
		),
		Rejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "ontoledger_emission_rejections_total",
			Help: "Total number of rejected triple emissions",
		}),
		Iterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ontoledger_agent_iterations",
			Help:    "Agent iterations per triple extraction",
			Buckets: IterationBuckets,
		}),
	}
}

// ToolObserver returns a tools.Observer counting calls by tool and outcome.
func (m *Metrics) ToolObserver() tools.Observer {
	return func(rec tools.CallRecord) {
		m.ToolCalls.WithLabelValues(rec.Tool, rec.Outcome).Inc()
	}
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
