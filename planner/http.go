package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/barrhawk/labcore/core"
)

// Router assembles the planner HTTP facade.
func (p *Planner) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", p.handleHealth)
	r.Post("/intents", p.handleSubmitIntent)
	r.Get("/plans", p.handleListPlans)
	r.Get("/plans/{id}", p.handleGetPlan)
	r.Post("/plans/{id}/cancel", p.handleCancelPlan)
	r.Post("/plans/{id}/modify", p.handleModifyPlan)
	r.Get("/patterns", p.handlePatterns)

	return otelhttp.NewHandler(r, "planner")
}

// Serve runs the facade until the context ends.
func (p *Planner) Serve(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           p.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("Planner listening", map[string]interface{}{"port": port})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- core.NewCoreError("planner.Serve", core.KindFatal, err)
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-p.stopCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (p *Planner) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"executors": len(p.knownExecutors()),
	})
}

func (p *Planner) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Intent string `json:"intent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	plan, err := p.SubmitIntent(r.Context(), req.Intent)
	if err != nil {
		status := http.StatusInternalServerError
		if core.IsValidation(err) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{
			"error": err.Error(),
			"kind":  core.KindOf(err),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, planView(plan))
}

func (p *Planner) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := p.ListPlans(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	views := make([]map[string]interface{}, len(plans))
	for i, plan := range plans {
		views[i] = planView(plan)
	}
	writeJSON(w, http.StatusOK, views)
}

func (p *Planner) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := p.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, planView(plan))
}

func (p *Planner) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := p.Cancel(r.Context(), id); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, core.ErrPlanNotFound):
			status = http.StatusNotFound
		case errors.Is(err, core.ErrPlanTerminal):
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(core.PlanCancelled)})
}

func (p *Planner) handleModifyPlan(w http.ResponseWriter, r *http.Request) {
	var req core.PlanModifyPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req.PlanID = chi.URLParam(r, "id")
	if err := p.ModifyPlan(r.Context(), req.PlanID, req.FromStep, req.Steps); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	plan, err := p.GetPlan(r.Context(), req.PlanID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, planView(plan))
}

func (p *Planner) handlePatterns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.Patterns())
}

// planView is the user-visible plan shape: status, progress and errors
// newest-first.
func planView(plan *core.Plan) map[string]interface{} {
	view := map[string]interface{}{
		"id":          plan.ID,
		"intent":      plan.Intent,
		"status":      plan.Status,
		"currentStep": plan.CurrentStep,
		"totalSteps":  plan.TotalSteps,
		"toolBag":     plan.ToolBag,
		"errors":      plan.Errors,
		"createdAt":   plan.CreatedAt,
	}
	if plan.CompletedAt != nil {
		view["completedAt"] = plan.CompletedAt
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
