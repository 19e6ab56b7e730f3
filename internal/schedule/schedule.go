// Package schedule turns a run configuration into a target number of
// virtual users over time.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrNoStages         = errors.New("at least one stage has to be specified")
	ErrNegativeDuration = errors.New("duration can't be negative")
	ErrNegativeTarget   = errors.New("target can't be negative")
	ErrNegativeVUs      = errors.New("vus can't be negative")
)

// Plan gives the target concurrency at a point of the run.
type Plan interface {
	// TargetAt returns the number of VUs wanted elapsed into the run.
	TargetAt(elapsed time.Duration) int
	// Duration is the total length of the run.
	Duration() time.Duration
	// MaxTarget is the highest value TargetAt can return.
	MaxTarget() int
}

// Stage ramps linearly from the previous stage's target to Target over
// Duration. A zero Duration is an instant jump.
type Stage struct {
	Duration time.Duration
	Target   int
}

// Flat keeps VUs running for Dur.
type Flat struct {
	VUs int
	Dur time.Duration
}

// NewFlat validates and returns a flat plan.
func NewFlat(vus int, dur time.Duration) (Flat, error) {
	var errs []error
	if vus < 0 {
		errs = append(errs, ErrNegativeVUs)
	}
	if dur < 0 {
		errs = append(errs, ErrNegativeDuration)
	}
	if err := errors.Join(errs...); err != nil {
		return Flat{}, err
	}
	return Flat{VUs: vus, Dur: dur}, nil
}

func (f Flat) TargetAt(elapsed time.Duration) int {
	if elapsed < f.Dur {
		return f.VUs
	}
	return 0
}

func (f Flat) Duration() time.Duration { return f.Dur }

func (f Flat) MaxTarget() int { return f.VUs }

func (f Flat) String() string {
	return fmt.Sprintf("%d looping VUs for %s", f.VUs, f.Dur)
}

// Ramp is a piecewise-linear plan built from stages.
type Ramp struct {
	stages []Stage
	total  time.Duration
	max    int
}

// NewRamp validates stages and returns the plan.
func NewRamp(stages []Stage) (*Ramp, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}

	var errs []error
	r := &Ramp{stages: make([]Stage, len(stages))}
	for i, s := range stages {
		if s.Duration < 0 {
			errs = append(errs, fmt.Errorf("stage %d: %w", i, ErrNegativeDuration))
		}
		if s.Target < 0 {
			errs = append(errs, fmt.Errorf("stage %d: %w", i, ErrNegativeTarget))
		}
		r.stages[i] = s
		r.total += s.Duration
		if s.Target > r.max {
			r.max = s.Target
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// TargetAt interpolates between stage targets. The final target holds at
// the exact end instant of the last stage and drops to 0 afterwards.
func (r *Ramp) TargetAt(elapsed time.Duration) int {
	if elapsed < 0 {
		elapsed = 0
	}

	from := 0
	var start time.Duration
	for _, s := range r.stages {
		end := start + s.Duration
		if elapsed < end {
			progress := float64(elapsed-start) / float64(s.Duration)
			return from + int(math.Round(float64(s.Target-from)*progress))
		}
		from, start = s.Target, end
	}
	if elapsed == r.total {
		return from
	}
	return 0
}

func (r *Ramp) Duration() time.Duration { return r.total }

func (r *Ramp) MaxTarget() int { return r.max }

// Stages returns a copy of the configured stages.
func (r *Ramp) Stages() []Stage {
	return append([]Stage(nil), r.stages...)
}

func (r *Ramp) String() string {
	return fmt.Sprintf("up to %d looping VUs for %s over %d stages", r.max, r.total, len(r.stages))
}
