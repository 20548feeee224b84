// Package server exposes the gateway over HTTP: order submission and lookup,
// slicing, positions, safety controls, reconciliation visibility, the broker
// webhook, and prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"execgw/internal/lifecycle"
	"execgw/internal/logger"
	"execgw/internal/models"
	"execgw/internal/reconcile"
	"execgw/internal/safety"
	"execgw/internal/slicer"
	"execgw/internal/store"
	"execgw/internal/webhook"
)

type Server struct {
	manager    *lifecycle.Manager
	slicer     *slicer.Slicer
	breaker    *safety.Breaker
	killSwitch *safety.KillSwitch
	engine     *reconcile.Engine
	st         store.Store
	webhook    *webhook.Handler
	log        *logger.Logger

	httpSrv *http.Server
}

func New(addr string, manager *lifecycle.Manager, sl *slicer.Slicer, breaker *safety.Breaker, ks *safety.KillSwitch, engine *reconcile.Engine, st store.Store, wh *webhook.Handler, log *logger.Logger) *Server {
	s := &Server{
		manager:    manager,
		slicer:     sl,
		breaker:    breaker,
		killSwitch: ks,
		engine:     engine,
		st:         st,
		webhook:    wh,
		log:        log,
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/orders", s.handleSubmit)
	mux.HandleFunc("GET /v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("POST /v1/orders/{id}/cancel", s.handleCancelOrder)

	mux.HandleFunc("POST /v1/slices", s.handleSlice)
	mux.HandleFunc("GET /v1/slices/{parent}", s.handlePlanDetail)
	mux.HandleFunc("POST /v1/slices/{parent}/cancel", s.handlePlanCancel)

	mux.HandleFunc("GET /v1/positions", s.handlePositions)

	mux.HandleFunc("GET /v1/safety", s.handleSafetyStatus)
	mux.HandleFunc("GET /v1/safety/history", s.handleSafetyHistory)
	mux.HandleFunc("POST /v1/safety/breaker/trip", s.handleBreakerTrip)
	mux.HandleFunc("POST /v1/safety/breaker/reset", s.handleBreakerReset)
	mux.HandleFunc("POST /v1/safety/killswitch/engage", s.handleKillSwitchEngage)
	mux.HandleFunc("POST /v1/safety/killswitch/disengage", s.handleKillSwitchDisengage)

	mux.HandleFunc("GET /v1/reconcile/runs", s.handleRuns)
	mux.HandleFunc("POST /v1/reconcile/run", s.handleTriggerRun)
	mux.HandleFunc("GET /v1/orphans", s.handleOrphans)
	mux.HandleFunc("POST /v1/orphans/{id}/resolve", s.handleResolveOrphan)

	if s.webhook != nil {
		mux.Handle("POST /v1/webhook", s.webhook)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func (s *Server) ListenAndServe() error {
	s.logEntry().WithField("addr", s.httpSrv.Addr).Info("http server listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var intent models.OrderIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		writeError(w, http.StatusBadRequest, "malformed intent: "+err.Error())
		return
	}
	order, err := s.manager.Submit(r.Context(), intent)
	if err != nil {
		s.writeSubmitError(w, order, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.manager.Cancel(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.writeSubmitError(w, order, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type sliceRequest struct {
	Intent models.OrderIntent `json:"intent"`
	Count  int                `json:"slice_count"`
	Window string             `json:"window"`
}

func (s *Server) handleSlice(w http.ResponseWriter, r *http.Request) {
	var req sliceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	window, err := time.ParseDuration(req.Window)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed window: "+err.Error())
		return
	}
	plan, err := s.slicer.Slice(r.Context(), req.Intent, req.Count, window)
	if err != nil {
		s.writeSubmitError(w, models.Order{}, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handlePlanDetail(w http.ResponseWriter, r *http.Request) {
	slices, err := s.slicer.PlanDetail(r.Context(), r.PathValue("parent"))
	if errors.Is(err, slicer.ErrPlanNotFound) {
		writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, slices)
}

func (s *Server) handlePlanCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.slicer.CancelPlan(r.Context(), r.PathValue("parent"))
	if errors.Is(err, slicer.ErrPlanNotFound) {
		writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": cancelled})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.st.Positions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

type safetyStatus struct {
	Breaker    models.BreakerRecord   `json:"breaker"`
	KillSwitch models.KillSwitchState `json:"kill_switch"`
}

func (s *Server) handleSafetyStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.breaker.State(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "breaker state unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, safetyStatus{
		Breaker:    rec,
		KillSwitch: s.killSwitch.State(r.Context()),
	})
}

func (s *Server) handleSafetyHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.st.AuditHistory(r.Context(), r.URL.Query().Get("flag"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// mutationRequest is the shape every operator flag change must post. Both
// fields are mandatory; the audit trail is only as good as what lands in it.
type mutationRequest struct {
	Actor         string `json:"actor"`
	Justification string `json:"justification"`
}

func (s *Server) handleFlagMutation(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, actor, justification string) error) {
	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.Actor == "" || req.Justification == "" {
		writeError(w, http.StatusBadRequest, "actor and justification are required")
		return
	}
	if err := apply(r.Context(), req.Actor, req.Justification); err != nil {
		if errors.Is(err, safety.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBreakerTrip(w http.ResponseWriter, r *http.Request) {
	s.handleFlagMutation(w, r, s.breaker.Trip)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.handleFlagMutation(w, r, s.breaker.Reset)
}

func (s *Server) handleKillSwitchEngage(w http.ResponseWriter, r *http.Request) {
	s.handleFlagMutation(w, r, s.killSwitch.Engage)
}

func (s *Server) handleKillSwitchDisengage(w http.ResponseWriter, r *http.Request) {
	s.handleFlagMutation(w, r, s.killSwitch.Disengage)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.st.Runs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, _ *http.Request) {
	s.engine.RequestRun()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	orphans, err := s.st.Orphans(r.Context(), includeResolved)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orphans)
}

type resolveRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

func (s *Server) handleResolveOrphan(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	err := s.st.ResolveOrphan(r.Context(), r.PathValue("id"), req.Actor, req.Note)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "orphan not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeSubmitError maps pipeline errors onto HTTP statuses. A safety
// rejection is a handled outcome, not a server fault.
func (s *Server) writeSubmitError(w http.ResponseWriter, order models.Order, err error) {
	var rejection *safety.RejectionError
	switch {
	case errors.As(err, &rejection):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":  "rejected",
			"check":  rejection.Check,
			"reason": rejection.Reason,
			"order":  order,
		})
	case errors.Is(err, lifecycle.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logEntry().WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) logEntry() *logrus.Entry {
	return s.log.WithComponent("server")
}
