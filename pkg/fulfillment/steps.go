package fulfillment

import (
	"context"
	"fmt"
)

// Step is one unit of downstream work in the pipeline. Steps are best
// effort: a failing step is logged and recorded, and later steps still run.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// StepResult captures the outcome of one executed step.
type StepResult struct {
	Name string
	Err  error
}

// OK reports whether the step succeeded.
func (r StepResult) OK() bool { return r.Err == nil }

// StepRunner executes pipeline steps in order, isolating each failure so one
// failing step cannot prevent independent later steps from executing. Errors
// (and panics) never propagate past a step boundary.
type StepRunner struct {
	logger  Logger
	metrics Metrics
}

// NewStepRunner creates a runner. Nil logger/metrics default to no-ops.
func NewStepRunner(logger Logger, metrics Metrics) *StepRunner {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &StepRunner{logger: logger, metrics: metrics}
}

// Run executes every step in order and returns one result per step.
func (sr *StepRunner) Run(ctx context.Context, steps ...Step) []StepResult {
	results := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		err := sr.runOne(ctx, step)
		if err != nil {
			sr.logger.Error("pipeline step failed",
				Field{"step", step.Name},
				Field{"error", err.Error()},
			)
			sr.metrics.RecordStepFailure(step.Name)
		}
		results = append(results, StepResult{Name: step.Name, Err: err})
	}
	return results
}

func (sr *StepRunner) runOne(ctx context.Context, step Step) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step %s panicked: %v", step.Name, rec)
		}
	}()
	return step.Run(ctx)
}
