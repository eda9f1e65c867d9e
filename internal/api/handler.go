package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/ipsim/internal/domain"
	"github.com/opensource-finance/ipsim/internal/export"
	"github.com/opensource-finance/ipsim/internal/policy"
	"github.com/opensource-finance/ipsim/internal/repository"
	"github.com/opensource-finance/ipsim/internal/scenario"
	"github.com/opensource-finance/ipsim/internal/sim"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *scenario.Service
	deps    Deps
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc *scenario.Service, deps Deps, version string) *Handler {
	return &Handler{
		svc:     svc,
		deps:    deps,
		version: version,
	}
}

// SizeRequest selects a population. Omitted fields take the configured
// defaults.
type SizeRequest struct {
	N    *int   `json:"n,omitempty"`
	Seed *int64 `json:"seed,omitempty"`
}

// EvaluateRequest is the request body for POST /evaluate.
type EvaluateRequest struct {
	SizeRequest
	VoPThreshold   *float64 `json:"vopThreshold,omitempty"`
	FraudThreshold *float64 `json:"fraudThreshold,omitempty"`
}

// ThresholdRequest is the request body for single-gate and policy
// evaluations.
type ThresholdRequest struct {
	SizeRequest
	Threshold *float64 `json:"threshold,omitempty"`
}

// ScanRequest is the request body for curve endpoints. An empty grid means
// the default grid.
type ScanRequest struct {
	SizeRequest
	Grid []float64 `json:"grid,omitempty"`
}

// RunResponse pairs a result with the run that recorded it.
type RunResponse struct {
	RunID  string `json:"runId"`
	Result any    `json:"result"`
}

// PresetsResponse describes the ranges the API accepts.
type PresetsResponse struct {
	ModelVersion          string     `json:"modelVersion"`
	EnforcePresets        bool       `json:"enforcePresets"`
	PresetSizes           []int      `json:"presetSizes"`
	MaxSeed               int64      `json:"maxSeed"`
	VoPRange              [2]float64 `json:"vopRange"`
	FraudRange            [2]float64 `json:"fraudRange"`
	DefaultN              int        `json:"defaultN"`
	DefaultSeed           int64      `json:"defaultSeed"`
	DefaultVoPThreshold   float64    `json:"defaultVopThreshold"`
	DefaultFraudThreshold float64    `json:"defaultFraudThreshold"`
	VoPGrid               []float64  `json:"vopGrid"`
	FraudGrid             []float64  `json:"fraudGrid"`
	MaxGridPoints         int        `json:"maxGridPoints"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.deps.Repository != nil {
		if err := h.deps.Repository.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":       status,
		"version":      h.version,
		"modelVersion": sim.ModelVersion,
	})
}

// Ready returns 503 until the event bus answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus != nil {
		if err := h.deps.Bus.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// Presets returns the accepted ranges and default grids.
func (h *Handler) Presets(w http.ResponseWriter, r *http.Request) {
	cfg := h.svc.Config()
	writeJSON(w, http.StatusOK, PresetsResponse{
		ModelVersion:          sim.ModelVersion,
		EnforcePresets:        cfg.EnforcePresets,
		PresetSizes:           cfg.PresetSizes,
		MaxSeed:               cfg.MaxSeed,
		VoPRange:              [2]float64{cfg.VoPMin, cfg.VoPMax},
		FraudRange:            [2]float64{cfg.FraudMin, cfg.FraudMax},
		DefaultN:              cfg.DefaultN,
		DefaultSeed:           cfg.DefaultSeed,
		DefaultVoPThreshold:   cfg.DefaultVoPThreshold,
		DefaultFraudThreshold: cfg.DefaultFraudThreshold,
		VoPGrid:               sim.DefaultVoPGrid(),
		FraudGrid:             sim.DefaultFraudGrid(),
		MaxGridPoints:         cfg.MaxGridPoints,
	})
}

// Population handles POST /populations.
func (h *Handler) Population(w http.ResponseWriter, r *http.Request) {
	var req SizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, seed := h.size(req)

	summary, run, err := h.svc.Summarize(r.Context(), n, seed)
	h.respond(w, summary, run, err)
}

// Evaluate handles POST /evaluate.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, seed := h.size(req.SizeRequest)
	cfg := h.svc.Config()

	result, run, err := h.svc.Evaluate(r.Context(), n, seed,
		valueOr(req.VoPThreshold, cfg.DefaultVoPThreshold),
		valueOr(req.FraudThreshold, cfg.DefaultFraudThreshold),
	)
	h.respond(w, result, run, err)
}

// EvaluateVoP handles POST /vop/evaluate.
func (h *Handler) EvaluateVoP(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, seed := h.size(req.SizeRequest)

	point, run, err := h.svc.EvaluateVoP(r.Context(), n, seed, valueOr(req.Threshold, h.svc.Config().DefaultVoPThreshold))
	h.respond(w, point, run, err)
}

// EvaluateFraud handles POST /fraud/evaluate.
func (h *Handler) EvaluateFraud(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, seed := h.size(req.SizeRequest)

	point, run, err := h.svc.EvaluateFraud(r.Context(), n, seed, valueOr(req.Threshold, h.svc.Config().DefaultFraudThreshold))
	h.respond(w, point, run, err)
}

// ScanVoP handles POST /vop/scan.
func (h *Handler) ScanVoP(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, seed := h.size(req.SizeRequest)

	curve, run, err := h.svc.ScanVoP(r.Context(), n, seed, req.Grid)
	h.respond(w, curve, run, err)
}

// ScanFraud handles POST /fraud/scan.
func (h *Handler) ScanFraud(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, seed := h.size(req.SizeRequest)

	curve, run, err := h.svc.ScanFraud(r.Context(), n, seed, req.Grid)
	h.respond(w, curve, run, err)
}

// VoPCurveCSV handles GET /vop/curve.csv.
func (h *Handler) VoPCurveCSV(w http.ResponseWriter, r *http.Request) {
	n, seed, grid, err := h.curveQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	curve, _, err := h.svc.ScanVoP(r.Context(), n, seed, grid)
	if err != nil {
		writeError(w, err)
		return
	}

	setCSVHeaders(w, fmt.Sprintf("vop_curve_n%d_seed%d.csv", n, seed))
	if err := export.WriteVoPCSV(w, curve); err != nil {
		slog.Error("failed to write csv", "error", err)
	}
}

// FraudCurveCSV handles GET /fraud/curve.csv.
func (h *Handler) FraudCurveCSV(w http.ResponseWriter, r *http.Request) {
	n, seed, grid, err := h.curveQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	curve, _, err := h.svc.ScanFraud(r.Context(), n, seed, grid)
	if err != nil {
		writeError(w, err)
		return
	}

	setCSVHeaders(w, fmt.Sprintf("fraud_curve_n%d_seed%d.csv", n, seed))
	if err := export.WriteFraudCSV(w, curve); err != nil {
		slog.Error("failed to write csv", "error", err)
	}
}

// SubmitScan handles POST /scans and answers 202 with the pending run.
func (h *Handler) SubmitScan(w http.ResponseWriter, r *http.Request) {
	var in scenario.ScanInput
	if !h.decode(w, r, &in) {
		return
	}
	if in.N == 0 {
		in.N = h.svc.Config().DefaultN
	}

	run, err := h.svc.SubmitScan(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", "/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	runs, err := h.svc.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CreatePolicyRequest is the request body for creating a policy.
type CreatePolicyRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Expression  string `json:"expression"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// ListPolicies handles GET /policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.svc.ListPolicies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policies": policies,
		"count":    len(policies),
	})
}

// GetPolicy handles GET /policies/{id}.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// CreatePolicy validates, stores and loads a policy. Policies are enabled
// unless the request says otherwise.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id, name, and expression are required"})
		return
	}

	cfg := &domain.PolicyConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Expression:  req.Expression,
		Enabled:     valueOr(req.Enabled, true),
	}
	if err := h.svc.SavePolicy(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, cfg)
}

// DeletePolicy handles DELETE /policies/{id}.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.DeletePolicy(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("policy deleted", "policy_id", id)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "policy deleted",
	})
}

// ReloadPolicies reloads all policies from the database into the engine.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	count, err := h.svc.ReloadPolicies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "policies reloaded successfully",
		"count":   count,
	})
}

// EvaluatePolicy handles POST /policies/{id}/evaluate.
func (h *Handler) EvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, seed := h.size(req.SizeRequest)
	threshold := valueOr(req.Threshold, h.svc.Config().DefaultFraudThreshold)

	snap, run, err := h.svc.EvaluatePolicy(r.Context(), n, seed, chi.URLParam(r, "id"), threshold)
	h.respond(w, snap, run, err)
}

// ScanPolicy handles POST /policies/{id}/scan.
func (h *Handler) ScanPolicy(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, seed := h.size(req.SizeRequest)

	curve, run, err := h.svc.ScanPolicy(r.Context(), n, seed, chi.URLParam(r, "id"), req.Grid)
	h.respond(w, curve, run, err)
}

// PolicyCurveCSV handles GET /policies/{id}/curve.csv.
func (h *Handler) PolicyCurveCSV(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, seed, grid, err := h.curveQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	curve, _, err := h.svc.ScanPolicy(r.Context(), n, seed, id, grid)
	if err != nil {
		writeError(w, err)
		return
	}

	setCSVHeaders(w, fmt.Sprintf("policy_%s_n%d_seed%d.csv", id, n, seed))
	if err := export.WritePolicyCSV(w, curve); err != nil {
		slog.Error("failed to write csv", "error", err)
	}
}

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// decode reads an optional JSON body into dst. An empty body leaves dst
// untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
			Error: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		})
		return false
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
	return false
}

func (h *Handler) size(req SizeRequest) (int, int64) {
	cfg := h.svc.Config()
	return valueOr(req.N, cfg.DefaultN), valueOr(req.Seed, cfg.DefaultSeed)
}

// curveQuery reads n, seed and an optional comma-separated grid from the
// query string.
func (h *Handler) curveQuery(r *http.Request) (int, int64, []float64, error) {
	cfg := h.svc.Config()
	q := r.URL.Query()

	n := cfg.DefaultN
	if v := q.Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("%w: n must be an integer", sim.ErrInvalidParameter)
		}
		n = parsed
	}

	seed := cfg.DefaultSeed
	if v := q.Get("seed"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("%w: seed must be an integer", sim.ErrInvalidParameter)
		}
		seed = parsed
	}

	var grid []float64
	if v := q.Get("grid"); v != "" {
		for _, part := range strings.Split(v, ",") {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return 0, 0, nil, fmt.Errorf("%w: grid value %q", sim.ErrInvalidParameter, part)
			}
			grid = append(grid, f)
		}
	}

	return n, seed, grid, nil
}

func (h *Handler) respond(w http.ResponseWriter, result any, run *domain.Run, err error) {
	if err != nil {
		writeError(w, err)
		return
	}

	resp := RunResponse{Result: result}
	if run != nil {
		resp.RunID = run.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sim.ErrInvalidParameter),
		errors.Is(err, policy.ErrInvalidPolicy),
		errors.Is(err, repository.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, policy.ErrPolicyNotFound):
		return http.StatusNotFound
	case errors.Is(err, scenario.ErrNoRepository),
		errors.Is(err, scenario.ErrNoPolicyEngine),
		errors.Is(err, scenario.ErrAsyncUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func setCSVHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
