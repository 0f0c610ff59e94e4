// Package chaos runs fault-injection experiments against the lending engine
// and checks that copy counts stay consistent while they run.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Experiment defines a chaos engineering test
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	// Observe lists metrics sampled once after rollback, for assertions
	// about the experiment's outcome rather than the system's health.
	Observe    []Metric
	Method     []Action
	Rollback   []Action
	Validation []Assertion
	Duration   time.Duration
}

// Metric defines a measurable system property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Action represents a fault injection, workload or recovery step
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion validates experiment outcome against the last sample of Metric
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures experiment execution data
type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Failures         []string               `json:"failures,omitempty"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// ErrSteadyState aborts an experiment whose system was unhealthy before any
// fault was injected.
var ErrSteadyState = errors.New("steady state invalid - aborting experiment")

// Runner orchestrates chaos experiments
type Runner struct {
	tracer         trace.Tracer
	logger         *slog.Logger
	sampleInterval time.Duration
	pause          time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSampleInterval sets how often steady-state metrics are sampled while
// an experiment runs.
func WithSampleInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.sampleInterval = d }
}

// WithPause sets the wait between experiments of a game day.
func WithPause(d time.Duration) RunnerOption {
	return func(r *Runner) { r.pause = d }
}

func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		tracer:         otel.Tracer("libralend/chaos"),
		logger:         slog.Default(),
		sampleInterval: time.Second,
		pause:          30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an experiment to the suite
func (r *Runner) Register(exp Experiment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.experiments = append(r.experiments, exp)
}

// Experiments returns the registered experiments.
func (r *Runner) Experiments() []Experiment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Experiment, len(r.experiments))
	copy(out, r.experiments)
	return out
}

// Results returns the results of every experiment run so far.
func (r *Runner) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}

// Run executes a single experiment: check steady state, inject, observe
// until Duration elapses, roll back, then evaluate assertions.
func (r *Runner) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(
			attribute.String("experiment.name", exp.Name),
		),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	span.AddEvent("validating_steady_state")
	if violations := r.checkSteadyState(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		return result, ErrSteadyState
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.addError(action.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	r.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			result.addError(action.Target, err)
			span.RecordError(err)
		}
	}

	for _, metric := range append(append([]Metric{}, exp.SteadyState...), exp.Observe...) {
		r.sample(ctx, metric, result)
	}

	span.AddEvent("validating_assertions")
	result.Failures = validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.Failures) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	r.mu.Lock()
	r.results = append(r.results, *result)
	r.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (r *Runner) observe(ctx context.Context, exp Experiment, result *Result) {
	if exp.Duration <= 0 {
		return
	}
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(r.sampleInterval)
	defer ticker.Stop()

	var recoveryStart time.Time
	recovered := false
	for {
		select {
		case <-observationCtx.Done():
			return
		case <-ticker.C:
			for _, metric := range exp.SteadyState {
				value, ok := r.sample(ctx, metric, result)
				if !ok {
					continue
				}
				if !metric.Threshold.Holds(value) {
					if recoveryStart.IsZero() {
						recoveryStart = time.Now()
					}
					result.Violations = append(result.Violations, MetricViolation{
						MetricName: metric.Name,
						Expected:   metric.Threshold.Value,
						Actual:     value,
						Timestamp:  time.Now(),
					})
				} else if !recoveryStart.IsZero() && !recovered {
					mttr := time.Since(recoveryStart)
					result.MTTR = &mttr
					recovered = true
				}
			}
		}
	}
}

func (r *Runner) sample(ctx context.Context, metric Metric, result *Result) (float64, bool) {
	value, err := metric.Query(ctx)
	if err != nil {
		result.addError(metric.Name, err)
		return 0, false
	}
	result.Observations[metric.Name] = append(result.Observations[metric.Name],
		DataPoint{Timestamp: time.Now(), Value: value})
	return value, true
}

func (r *Runner) checkSteadyState(ctx context.Context, metrics []Metric) []MetricViolation {
	var violations []MetricViolation
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			value = -1
		}
		if err != nil || !metric.Threshold.Holds(value) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
	return violations
}

func validateAssertions(assertions []Assertion, result *Result) []string {
	var failures []string
	for _, a := range assertions {
		observations := result.Observations[a.Metric]
		if len(observations) == 0 {
			failures = append(failures, fmt.Sprintf("%s: no observations", a.Message))
			continue
		}
		final := observations[len(observations)-1].Value
		if !a.Condition(final) {
			failures = append(failures, fmt.Sprintf("%s (final %s = %.2f)", a.Message, a.Metric, final))
		}
	}
	return failures
}

func (res *Result) addError(component string, err error) {
	res.ErrorEvents = append(res.ErrorEvents, ErrorEvent{
		Timestamp: time.Now(),
		Error:     err.Error(),
		Component: component,
	})
}

// GameDay is a named series of experiments run back to back.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
}

// ExecuteGameDay runs every scenario and reports each result. It returns an
// error naming the experiments whose hypothesis did not hold.
func (r *Runner) ExecuteGameDay(ctx context.Context, gameDay GameDay) error {
	ctx, span := r.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(
			attribute.String("gameday.name", gameDay.Name),
		),
	)
	defer span.End()

	r.logger.InfoContext(ctx, "starting game day", "name", gameDay.Name, "date", gameDay.Date, "scenarios", len(gameDay.Scenarios))

	var failed []string
	for i, scenario := range gameDay.Scenarios {
		r.logger.InfoContext(ctx, "running experiment",
			"index", i+1, "experiment", scenario.Name, "hypothesis", scenario.Hypothesis)

		result, err := r.Run(ctx, scenario)
		if err != nil {
			r.logger.ErrorContext(ctx, "experiment aborted", "experiment", scenario.Name, "error", err)
			failed = append(failed, scenario.Name)
		} else {
			r.report(ctx, result)
			if !result.HypothesisHeld {
				failed = append(failed, scenario.Name)
			}
		}

		if i < len(gameDay.Scenarios)-1 && r.pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.pause):
			}
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("hypothesis violated in %d experiment(s): %v", len(failed), failed)
	}
	return nil
}

func (r *Runner) report(ctx context.Context, result *Result) {
	attrs := []any{
		"experiment", result.ExperimentName,
		"hypothesis_held", result.HypothesisHeld,
		"violations", len(result.Violations),
		"errors", len(result.ErrorEvents),
		"duration", result.Duration,
	}
	if result.MTTR != nil {
		attrs = append(attrs, "mttr", *result.MTTR)
	}
	if result.HypothesisHeld {
		r.logger.InfoContext(ctx, "experiment finished", attrs...)
		return
	}
	attrs = append(attrs, "failures", result.Failures)
	r.logger.WarnContext(ctx, "experiment finished", attrs...)
}
