// Package transport exposes the HTTP API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/wallettrace7000-backend/internal/dispatch"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/model"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/service"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/trace"
)

// maxTraceBodyBytes bounds the POST /trace request body.
const maxTraceBodyBytes = 1 << 16

// TraceAPI is the service surface the handler needs.
type TraceAPI interface {
	AddressSummary(ctx context.Context, addr string) (model.AddressSummary, error)
	Transaction(ctx context.Context, txid string) (model.Transaction, error)
	TipHeight(ctx context.Context) (uint32, error)
	Trace(ctx context.Context, req trace.Request) (*trace.Graph, error)
	EndpointMetrics() []service.EndpointStats
}

// Handler serves the trace API over HTTP.
type Handler struct {
	api    TraceAPI
	logger *zap.Logger
}

// NewHandler returns a Handler instance.
func NewHandler(api TraceAPI, logger *zap.Logger) *Handler {
	return &Handler{api: api, logger: logger.Named("http")}
}

// Router wires all routes. CORS and server timeouts are applied by the
// caller.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/api/v1/address/{addr}", h.GetAddress).Methods("GET")
	r.HandleFunc("/api/v1/tx/{txid}", h.GetTransaction).Methods("GET")
	r.HandleFunc("/api/v1/trace", h.PostTrace).Methods("POST")
	r.HandleFunc("/api/v1/endpoints", h.GetEndpoints).Methods("GET")
	r.HandleFunc("/api/v1/tip", h.GetTipHeight).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// Health reports server health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetAddress returns the aggregate summary for one address.
func (h *Handler) GetAddress(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["addr"]
	summary, err := h.api.AddressSummary(r.Context(), addr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// GetTransaction returns one canonical transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txid := mux.Vars(r)["txid"]
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid txid"))
		return
	}
	tx, err := h.api.Transaction(r.Context(), txid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// PostTrace runs an ownership trace from the request's seed.
func (h *Handler) PostTrace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		trace.Request
		DeadlineSeconds int `json:"deadline_seconds"`
	}
	body := http.MaxBytesReader(w, r.Body, maxTraceBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return
	}
	if req.DeadlineSeconds > 0 {
		req.Request.Deadline = time.Duration(req.DeadlineSeconds) * time.Second
	}

	graph, err := h.api.Trace(r.Context(), req.Request)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, graph)
}

// GetTipHeight returns the current chain tip height.
func (h *Handler) GetTipHeight(w http.ResponseWriter, r *http.Request) {
	height, err := h.api.TipHeight(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]uint32{"height": height})
}

// GetEndpoints returns the health snapshot of every upstream endpoint.
func (h *Handler) GetEndpoints(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.api.EndpointMetrics())
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trace.ErrInvalidSeed):
		h.writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, dispatch.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, dispatch.ErrAllEndpointsExhausted):
		h.writeJSON(w, http.StatusServiceUnavailable, errorBody("all upstream endpoints exhausted"))
	case errors.Is(err, context.DeadlineExceeded):
		h.writeJSON(w, http.StatusGatewayTimeout, errorBody("upstream deadline exceeded"))
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("response write failed", zap.Error(err))
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
