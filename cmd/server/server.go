package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/fractal-lba/halving/internal/api"
	"github.com/fractal-lba/halving/internal/learner"
	"github.com/fractal-lba/halving/internal/metric"
	"github.com/fractal-lba/halving/internal/metrics"
	"github.com/fractal-lba/halving/internal/selection"
	"github.com/fractal-lba/halving/internal/session"
	"github.com/fractal-lba/halving/pkg/otel"
)

// maxBody bounds request bodies (batches included).
const maxBody = 8 << 20

type Server struct {
	sessions    *session.Manager
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	gatherer    prometheus.Gatherer
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func NewServer(mgr *session.Manager, m *metrics.Metrics, limiter *rate.Limiter, gatherer prometheus.Gatherer) *Server {
	return &Server{
		sessions: mgr,
		metrics:  m,
		limiter:  limiter,
		gatherer: gatherer,
	}
}

// Routes registers every endpoint.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/sessions", s.limit(s.handleCreate))
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleStatus)
	mux.Handle("DELETE /v1/sessions/{id}", s.limit(s.handleDelete))
	mux.Handle("POST /v1/sessions/{id}/observations", s.limit(s.handleObserve))
	mux.HandleFunc("POST /v1/sessions/{id}/predict", s.handlePredict)
	mux.HandleFunc("GET /v1/sessions/{id}/rungs", s.handleRungs)
	mux.Handle("/metrics", s.metricsHandler())
	mux.HandleFunc("/health", handleHealth)
	return mux
}

// limit applies the token bucket to write endpoints.
func (s *Server) limit(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", "10")
			respondError(w, http.StatusTooManyRequests, errors.New("too many requests"))
			return
		}
		next(w, r)
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.StartSpan(r.Context(), otel.TracerName, "session.create")
	defer span.End()

	var req api.CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := s.sessions.Create(ctx, req.Definition)
	if err != nil {
		otel.RecordError(span, err, "create session")
		respondError(w, errorStatus(err), err)
		return
	}

	st, err := s.sessions.Status(sess.ID)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	span.SetAttributes(otel.SessionAttributes(sess.ID, sess.Definition.Task, sess.Definition.Metric, st.Candidates)...)
	log.Printf("Session %s created: %s/%s, %d candidates, budget %d", sess.ID, sess.Definition.Task, sess.Definition.Model, st.Candidates, sess.Definition.Budget)

	respondJSON(w, http.StatusCreated, api.CreateSessionResponse{
		ID:         sess.ID,
		Candidates: st.Candidates,
		RungLength: st.RungLength,
		Definition: sess.Definition,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.Status(r.PathValue("id"))
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, span := otel.StartSpan(r.Context(), otel.TracerName, "session.delete", otel.SessionAttributes(id, "", "", 0)...)
	defer span.End()

	if err := s.sessions.Delete(ctx, id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		// The session is gone; only its journal or history cleanup failed.
		otel.RecordError(span, err, "delete session")
		log.Printf("Session %s deleted with errors: %v", id, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, span := otel.StartSpan(r.Context(), otel.TracerName, "session.observe", otel.SessionAttributes(id, "", "", 0)...)
	defer span.End()

	var req api.ObserveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	before, err := s.sessions.Status(id)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}

	batch := req.Batch()
	applied, obsErr := s.sessions.Observe(ctx, id, batch)
	span.SetAttributes(otel.AttrBatchSize.Int(len(batch)), otel.AttrApplied.Int(applied))

	after, err := s.sessions.Status(id)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	if after.Rung > before.Rung {
		otel.AddEvent(span, "rungs.closed", otel.RungAttributes(after.Rung, after.Active, after.BudgetUsed, after.BestID, after.BestMetric)...)
	}

	resp := api.NewObserveResponse(applied, after.Status)
	if obsErr != nil {
		otel.RecordError(span, obsErr, "observe")
		resp.Error = obsErr.Error()
		respondJSON(w, errorStatus(obsErr), resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, span := otel.StartSpan(r.Context(), otel.TracerName, "session.predict", otel.SessionAttributes(id, "", "", 0)...)
	defer span.End()

	var req api.PredictRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	p, err := s.sessions.Predict(ctx, id, req.Features)
	if err != nil {
		otel.RecordError(span, err, "predict")
		respondError(w, errorStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleRungs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rungs, err := s.sessions.History(r.Context(), id)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	if rungs == nil {
		rungs = []selection.RungReport{}
	}
	respondJSON(w, http.StatusOK, api.RungsResponse{SessionID: id, Rungs: rungs})
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid JSON")
	}
	return nil
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoHistory):
		return http.StatusNotImplemented
	case errors.Is(err, api.ErrInvalidRequest),
		errors.Is(err, session.ErrUnknownTask),
		errors.Is(err, session.ErrInvalidLabel),
		errors.Is(err, session.ErrGridTooLarge),
		errors.Is(err, selection.ErrInvalidConfig),
		errors.Is(err, metric.ErrUnknownMetric),
		errors.Is(err, metric.ErrInvalidValue),
		errors.Is(err, learner.ErrUnknownModel),
		errors.Is(err, learner.ErrUnknownParam),
		errors.Is(err, learner.ErrInvalidFeature),
		errors.Is(err, learner.ErrInvalidTarget):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Printf("Failed to encode response: %v", err)
		status = http.StatusInternalServerError
		body, _ = json.Marshal(api.ErrorResponse{Error: "failed to encode response"})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, api.ErrorResponse{Error: err.Error()})
}
