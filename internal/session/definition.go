// Package session turns a declarative selection request into a running
// scheduler and manages the live sessions of the service.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fractal-lba/halving/internal/learner"
	"github.com/fractal-lba/halving/internal/metric"
	"github.com/fractal-lba/halving/internal/selection"
)

var (
	ErrUnknownTask  = errors.New("unknown task")
	ErrInvalidLabel = errors.New("invalid label")
	ErrNotFound     = errors.New("session not found")
	ErrNoHistory    = errors.New("rung history is not configured")
	ErrGridTooLarge = errors.New("grid expands to too many candidates")
)

// MaxCandidates bounds the pool a grid may expand to.
const MaxCandidates = 4096

const (
	TaskRegression     = "regression"
	TaskClassification = "classification"
)

// Definition describes a selection session.
type Definition struct {
	Task    string               `json:"task"`
	Metric  string               `json:"metric,omitempty"`
	Model   string               `json:"model,omitempty"`
	Grid    map[string][]float64 `json:"grid,omitempty"`
	Budget  int                  `json:"budget"`
	Eta     float64              `json:"eta,omitempty"`
	Verbose bool                 `json:"verbose,omitempty"`
}

// Normalize fills defaults: eta 2, MAE with linear regression for
// regression tasks, accuracy with logistic regression for classification.
func (d Definition) Normalize() Definition {
	d.Task = strings.ToLower(strings.TrimSpace(d.Task))
	d.Metric = strings.ToLower(strings.TrimSpace(d.Metric))
	d.Model = strings.ToLower(strings.TrimSpace(d.Model))
	if d.Eta == 0 {
		d.Eta = 2
	}

	switch d.Task {
	case TaskRegression:
		if d.Metric == "" {
			d.Metric = "mae"
		}
		if d.Model == "" {
			d.Model = "linear"
		}
	case TaskClassification:
		if d.Metric == "" {
			d.Metric = "accuracy"
		}
		if d.Model == "" {
			d.Model = "logistic"
		}
	}
	return d
}

// Candidates returns the pool size the definition expands to, saturating
// at math.MaxInt. The grid itself is not built.
func (d Definition) Candidates() int {
	n, ok := learner.GridSize(d.Grid, math.MaxInt)
	if !ok {
		return math.MaxInt
	}
	return n
}

// Observation is one labelled example as received on the wire. The label
// is decoded according to the session task.
type Observation struct {
	Features learner.Features `json:"features"`
	Label    any              `json:"label"`
}

// Prediction is the best candidate's answer for one feature vector.
type Prediction struct {
	Value       any                `json:"value"`
	Proba       map[string]float64 `json:"proba,omitempty"`
	CandidateID int                `json:"candidate_id"`
}

// Runner hides the label type of the underlying scheduler.
type Runner interface {
	Observe(obs Observation) error
	Predict(x learner.Features) (Prediction, error)
	Status() selection.Status
	Task() string
}

// Build validates the definition and returns a runner. Budget, Eta and
// Verbose are taken from the definition; cfg supplies the logger and
// reporters.
func (d Definition) Build(cfg selection.Config) (Runner, error) {
	d = d.Normalize()
	cfg.Budget = d.Budget
	cfg.Eta = d.Eta
	cfg.Verbose = d.Verbose

	if _, ok := learner.GridSize(d.Grid, MaxCandidates); !ok {
		return nil, fmt.Errorf("%w: limit is %d", ErrGridTooLarge, MaxCandidates)
	}
	grid := learner.ExpandGrid(d.Grid)

	switch d.Task {
	case TaskRegression:
		m, err := metric.NewRegression(d.Metric)
		if err != nil {
			return nil, err
		}
		models := make([]learner.Learner[float64], len(grid))
		for i, p := range grid {
			if models[i], err = learner.NewRegressor(d.Model, p); err != nil {
				return nil, fmt.Errorf("candidate %d: %w", i, err)
			}
		}
		s, err := selection.New(models, m, cfg)
		if err != nil {
			return nil, err
		}
		return &runner[float64]{task: d.Task, sched: s, decode: decodeFloat}, nil

	case TaskClassification:
		m, err := metric.NewClassification(d.Metric)
		if err != nil {
			return nil, err
		}
		models := make([]learner.Learner[bool], len(grid))
		for i, p := range grid {
			if models[i], err = learner.NewClassifier(d.Model, p); err != nil {
				return nil, fmt.Errorf("candidate %d: %w", i, err)
			}
		}
		s, err := selection.New(models, m, cfg)
		if err != nil {
			return nil, err
		}
		return &runner[bool]{task: d.Task, sched: s, decode: decodeBool}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, d.Task)
	}
}

type runner[Y comparable] struct {
	task   string
	sched  *selection.Scheduler[Y]
	decode func(v any) (Y, error)
}

func (r *runner[Y]) Observe(obs Observation) error {
	y, err := r.decode(obs.Label)
	if err != nil {
		return err
	}
	return r.sched.ProcessOne(obs.Features, y)
}

func (r *runner[Y]) Predict(x learner.Features) (Prediction, error) {
	v, err := r.sched.Predict(x)
	if err != nil {
		return Prediction{}, err
	}
	p := Prediction{Value: v, CandidateID: r.sched.BestID()}

	proba, err := r.sched.PredictProba(x)
	switch {
	case err == nil:
		p.Proba = make(map[string]float64, len(proba))
		for label, pr := range proba {
			p.Proba[fmt.Sprint(label)] = pr
		}
	case !errors.Is(err, selection.ErrNotProbabilistic):
		return Prediction{}, err
	}
	return p, nil
}

func (r *runner[Y]) Status() selection.Status { return r.sched.Status() }
func (r *runner[Y]) Task() string { return r.task }

// decodeFloat accepts JSON numbers and numeric strings.
func decodeFloat(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidLabel, t)
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidLabel, t)
		}
		f = n
	default:
		return 0, fmt.Errorf("%w: %v (%T)", ErrInvalidLabel, v, v)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidLabel, f)
	}
	return f, nil
}

// decodeBool accepts bools, 0/1 numbers and the usual spellings of yes/no.
func decodeBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64, int, json.Number:
		f, err := decodeFloat(t)
		if err != nil {
			return false, err
		}
		switch f {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: %v (want a binary label)", ErrInvalidLabel, v)
}
