package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"cropcast/apierr"
	"cropcast/config"
	"cropcast/pipeline"
)

// OutputPath serves the enriched prediction table.
const OutputPath = "/ml/api/v1.0/output"

// Runner produces one pipeline result per call.
type Runner interface {
	Run(ctx context.Context) (*pipeline.Result, error)
}

// Snapshot yields the stored result of the startup run.
type Snapshot interface {
	Get() (*pipeline.Result, error)
}

// ModelStatus reports whether a model is in memory.
type ModelStatus interface {
	Loaded() bool
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type healthBody struct {
	Status      string `json:"status"`
	Mode        string `json:"mode"`
	ModelLoaded bool   `json:"model_loaded"`
	Subscribers int    `json:"subscribers"`
	Uptime      string `json:"uptime"`
}

type handlers struct {
	mode     string
	runner   Runner
	snapshot Snapshot
	models   ModelStatus
	hub      Hub
	metrics  http.Handler
	started  time.Time
	log      *zap.Logger
}

func (h *handlers) register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+OutputPath, h.handleOutput)
	mux.HandleFunc("GET /api/health", h.handleHealth)
	if h.hub != nil {
		mux.Handle("GET "+StreamPath, h.hub)
	}
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

func (h *handlers) handleOutput(w http.ResponseWriter, r *http.Request) {
	var (
		result *pipeline.Result
		err    error
	)
	if h.mode == config.ModeCached {
		result, err = h.snapshot.Get()
	} else {
		result, err = h.runner.Run(r.Context())
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Run-ID", result.RunID)
	w.WriteHeader(http.StatusOK)
	w.Write(result.Body)
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := healthBody{
		Status: "ok",
		Mode:   h.mode,
		Uptime: time.Since(h.started).Round(time.Second).String(),
	}
	if h.models != nil {
		body.ModelLoaded = h.models.Loaded()
	}
	if h.hub != nil {
		body.Subscribers = h.hub.Clients()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apierr.KindOf(err)
	status := apierr.HTTPStatus(kind)
	h.log.Warn("output request failed",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("kind", string(kind)),
		zap.Int("status", status),
		zap.Error(err))
	writeJSON(w, status, errorBody{Kind: string(kind), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
