package api

import (
	"errors"
	"fmt"

	"github.com/fractal-lba/halving/internal/learner"
	"github.com/fractal-lba/halving/internal/selection"
	"github.com/fractal-lba/halving/internal/session"
)

const (
	// MaxBatch bounds the observations accepted in one request.
	MaxBatch = 10000

	// MaxCandidates bounds the pool a grid may expand to.
	MaxCandidates = session.MaxCandidates
)

var ErrInvalidRequest = errors.New("invalid request")

// CreateSessionRequest starts a selection session.
type CreateSessionRequest struct {
	session.Definition
}

// Validate performs basic structural validation. Semantic checks (budget,
// eta, metric compatibility) happen when the session is built.
func (r *CreateSessionRequest) Validate() error {
	if r.Task == "" {
		return fmt.Errorf("%w: task is required", ErrInvalidRequest)
	}
	for name, values := range r.Grid {
		if len(values) == 0 {
			return fmt.Errorf("%w: grid parameter %s has no values", ErrInvalidRequest, name)
		}
	}
	if _, ok := learner.GridSize(r.Grid, MaxCandidates); !ok {
		return fmt.Errorf("%w: grid expands to more than %d candidates", ErrInvalidRequest, MaxCandidates)
	}
	return nil
}

// CreateSessionResponse describes a new session.
type CreateSessionResponse struct {
	ID         string             `json:"id"`
	Candidates int                `json:"candidates"`
	RungLength int                `json:"rung_length"`
	Definition session.Definition `json:"definition"`
}

// ObserveRequest carries one observation or a batch, processed in order.
type ObserveRequest struct {
	Features     learner.Features      `json:"features,omitempty"`
	Label        any                   `json:"label,omitempty"`
	Observations []session.Observation `json:"observations,omitempty"`
}

// Batch returns the observations of the request.
func (r *ObserveRequest) Batch() []session.Observation {
	if len(r.Observations) > 0 {
		return r.Observations
	}
	return []session.Observation{{Features: r.Features, Label: r.Label}}
}

func (r *ObserveRequest) Validate() error {
	single := r.Label != nil
	if single && len(r.Observations) > 0 {
		return fmt.Errorf("%w: send either a single observation or a batch", ErrInvalidRequest)
	}
	if !single && len(r.Observations) == 0 {
		return fmt.Errorf("%w: label or observations is required", ErrInvalidRequest)
	}
	if len(r.Observations) > MaxBatch {
		return fmt.Errorf("%w: batch of %d exceeds %d", ErrInvalidRequest, len(r.Observations), MaxBatch)
	}
	return nil
}

// ObserveResponse reports how far the session got.
type ObserveResponse struct {
	Applied      int     `json:"applied"`
	Observations int64   `json:"observations"`
	Rung         int     `json:"rung"`
	Active       int     `json:"active"`
	Converged    bool    `json:"converged"`
	BestID       int     `json:"best_id"`
	BestMetric   float64 `json:"best_metric"`
	Error        string  `json:"error,omitempty"`
}

// NewObserveResponse fills a response from a status snapshot.
func NewObserveResponse(applied int, st selection.Status) ObserveResponse {
	return ObserveResponse{
		Applied:      applied,
		Observations: st.Observations,
		Rung:         st.Rung,
		Active:       st.Active,
		Converged:    st.Converged,
		BestID:       st.BestID,
		BestMetric:   st.BestMetric,
	}
}

// PredictRequest asks the best candidate for a prediction.
type PredictRequest struct {
	Features learner.Features `json:"features"`
}

// RungsResponse lists the recorded rungs of a session.
type RungsResponse struct {
	SessionID string                 `json:"session_id"`
	Rungs     []selection.RungReport `json:"rungs"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}
