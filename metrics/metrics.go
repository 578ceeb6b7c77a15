// Package metrics exports training losses to Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ssl"

// Recorder implements pretext.Observer on top of a private registry.
type Recorder struct {
	registry  *prom.Registry
	taskLoss  *prom.GaugeVec
	taskRows  *prom.CounterVec
	taskCalls *prom.CounterVec
	stepLoss  prom.Gauge
	steps     prom.Counter
}

func NewRecorder() (*Recorder, error) {
	r := &Recorder{
		registry: prom.NewRegistry(),
		taskLoss: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "task_loss",
			Help:      "Loss of the last step, per task.",
		}, []string{"task"}),
		taskRows: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_rows_total",
			Help:      "Embedded rows consumed, per task.",
		}, []string{"task"}),
		taskCalls: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_losses_total",
			Help:      "Losses computed, per task.",
		}, []string{"task"}),
		stepLoss: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "step_loss",
			Help:      "Combined loss of the last step.",
		}),
		steps: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Training steps completed.",
		}),
	}
	for _, c := range []prom.Collector{r.taskLoss, r.taskRows, r.taskCalls, r.stepLoss, r.steps} {
		if err := r.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return r, nil
}

func (r *Recorder) ObserveTask(task string, value float32, rows int) {
	r.taskLoss.WithLabelValues(task).Set(float64(value))
	r.taskRows.WithLabelValues(task).Add(float64(rows))
	r.taskCalls.WithLabelValues(task).Inc()
}

func (r *Recorder) ObserveStep(value float32) {
	r.stepLoss.Set(float64(value))
	r.steps.Inc()
}

// Registry is the registry the recorder's metrics live in.
func (r *Recorder) Registry() *prom.Registry { return r.registry }

// Handler serves the metrics in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
