package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/fractal-lba/halving/internal/learner"
	"github.com/fractal-lba/halving/internal/metric"
	"github.com/fractal-lba/halving/internal/selection"
)

func TestDecodeFloat(t *testing.T) {
	tests := []struct {
		in      any
		want    float64
		wantErr bool
	}{
		{1.5, 1.5, false},
		{3, 3, false},
		{json.Number("2.25"), 2.25, false},
		{" 4 ", 4, false},
		{"abc", 0, true},
		{true, 0, true},
		{nil, 0, true},
		{math.NaN(), 0, true},
		{"Inf", 0, true},
	}

	for _, tt := range tests {
		got, err := decodeFloat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("decodeFloat(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidLabel) {
			t.Errorf("decodeFloat(%v) error = %v, want ErrInvalidLabel", tt.in, err)
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("decodeFloat(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDecodeBool(t *testing.T) {
	tests := []struct {
		in      any
		want    bool
		wantErr bool
	}{
		{true, true, false},
		{false, false, false},
		{1.0, true, false},
		{0.0, false, false},
		{"yes", true, false},
		{"No", false, false},
		{"1", true, false},
		{"false", false, false},
		{2.0, false, true},
		{"maybe", false, true},
		{nil, false, true},
	}

	for _, tt := range tests {
		got, err := decodeBool(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("decodeBool(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("decodeBool(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDefinition_Normalize(t *testing.T) {
	d := Definition{Task: " Regression ", Budget: 10}.Normalize()
	if d.Task != TaskRegression || d.Metric != "mae" || d.Model != "linear" || d.Eta != 2 {
		t.Errorf("Normalize() = %+v", d)
	}

	c := Definition{Task: "classification", Metric: "LogLoss", Budget: 10}.Normalize()
	if c.Metric != "logloss" || c.Model != "logistic" {
		t.Errorf("Normalize() = %+v", c)
	}
}

func TestDefinition_BuildErrors(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		want error
	}{
		{"unknown task", Definition{Task: "ranking", Budget: 10}, ErrUnknownTask},
		{"unknown metric", Definition{Task: "regression", Metric: "r2", Budget: 10}, metric.ErrUnknownMetric},
		{"unknown model", Definition{Task: "regression", Model: "forest", Budget: 10}, learner.ErrUnknownModel},
		{"unknown param", Definition{Task: "regression", Grid: map[string][]float64{"depth": {1, 2}}, Budget: 10}, learner.ErrUnknownParam},
		{"zero budget", Definition{Task: "regression", Budget: 0}, selection.ErrInvalidConfig},
		{"eta too small", Definition{Task: "classification", Budget: 10, Eta: 0.5}, selection.ErrInvalidConfig},
		{"grid too large", Definition{Task: "regression", Budget: 10, Grid: map[string][]float64{
			"lr": make([]float64, 20), "l2": make([]float64, 20), "intercept_lr": make([]float64, 20),
		}}, ErrGridTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.def.Build(selection.Config{})
			if !errors.Is(err, tt.want) {
				t.Errorf("Build() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDefinition_CandidatesSaturates(t *testing.T) {
	grid := make(map[string][]float64, 64)
	for i := 0; i < 64; i++ {
		grid[fmt.Sprintf("p%d", i)] = []float64{1, 2, 3}
	}
	if n := (Definition{Grid: grid}).Candidates(); n != math.MaxInt {
		t.Errorf("Candidates() = %d, want math.MaxInt", n)
	}
}

func TestRunner_Regression(t *testing.T) {
	def := Definition{
		Task:   "regression",
		Grid:   map[string][]float64{"lr": {0.0001, 0.01, 0.05}},
		Budget: 3000,
	}
	r, err := def.Build(selection.Config{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	for i := 0; i < 2000; i++ {
		x := float64(i%10) / 10
		if err := r.Observe(Observation{Features: learner.Features{"x": x}, Label: 2*x + 1}); err != nil {
			t.Fatalf("Observe(%d) failed: %v", i, err)
		}
	}

	st := r.Status()
	if st.Candidates != 3 || st.Observations != 2000 {
		t.Errorf("status = %+v", st)
	}
	if !st.Converged {
		t.Errorf("expected a single survivor, active = %d", st.Active)
	}

	p, err := r.Predict(learner.Features{"x": 0.5})
	if err != nil {
		t.Fatal(err)
	}
	v, ok := p.Value.(float64)
	if !ok {
		t.Fatalf("prediction value is %T, want float64", p.Value)
	}
	if math.Abs(v-2) > 0.2 {
		t.Errorf("Predict(0.5) = %v, want about 2", v)
	}
	if p.Proba != nil {
		t.Errorf("regression prediction has probabilities: %v", p.Proba)
	}
	if err := r.Observe(Observation{Features: learner.Features{"x": 1}, Label: "oops"}); !errors.Is(err, ErrInvalidLabel) {
		t.Errorf("Observe with bad label = %v, want ErrInvalidLabel", err)
	}
}

func TestRunner_Classification(t *testing.T) {
	def := Definition{
		Task:   "classification",
		Metric: "logloss",
		Grid:   map[string][]float64{"lr": {0.05, 0.5}},
		Budget: 1000,
	}
	r, err := def.Build(selection.Config{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	labels := []any{true, "yes", 1.0, "true"}
	for i := 0; i < 400; i++ {
		pos := i%2 == 0
		x := -1.0
		var label any = false
		if pos {
			x = 1
			label = labels[i%len(labels)]
		}
		if err := r.Observe(Observation{Features: learner.Features{"x": x}, Label: label}); err != nil {
			t.Fatalf("Observe(%d) failed: %v", i, err)
		}
	}

	p, err := r.Predict(learner.Features{"x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if p.Value != true {
		t.Errorf("Predict(x=1) = %v, want true", p.Value)
	}
	if p.Proba["true"] <= 0.5 || math.Abs(p.Proba["true"]+p.Proba["false"]-1) > 1e-9 {
		t.Errorf("Proba = %v", p.Proba)
	}
}

func selectionConfig() selection.Config {
	return selection.Config{}
}
