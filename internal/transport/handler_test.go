package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/wallettrace7000-backend/internal/dispatch"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/model"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/service"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/trace"
)

type stubAPI struct {
	summaryErr error
	txErr      error
	traceErr   error
	lastTrace  trace.Request
}

func (s *stubAPI) AddressSummary(_ context.Context, addr string) (model.AddressSummary, error) {
	if s.summaryErr != nil {
		return model.AddressSummary{}, s.summaryErr
	}
	return model.AddressSummary{Address: addr, TxCount: 3, Balance: 150_000}, nil
}

func (s *stubAPI) Transaction(_ context.Context, txid string) (model.Transaction, error) {
	if s.txErr != nil {
		return model.Transaction{}, s.txErr
	}
	return model.Transaction{TxID: txid, Size: 220, Weight: 880}, nil
}

func (s *stubAPI) TipHeight(context.Context) (uint32, error) {
	return 800_123, nil
}

func (s *stubAPI) Trace(_ context.Context, req trace.Request) (*trace.Graph, error) {
	s.lastTrace = req
	if s.traceErr != nil {
		return nil, s.traceErr
	}
	return &trace.Graph{
		Nodes: []trace.Node{{ID: req.SeedAddress, Kind: trace.NodeAddress}},
	}, nil
}

func (s *stubAPI) EndpointMetrics() []service.EndpointStats {
	return []service.EndpointStats{{BaseURL: "https://esplora.example", Tier: "public", Healthy: true}}
}

func serve(t *testing.T, api TraceAPI, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	h := NewHandler(api, zap.NewNop())
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandler_Health(t *testing.T) {
	rec := serve(t, &stubAPI{}, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_GetAddress(t *testing.T) {
	rec := serve(t, &stubAPI{}, httptest.NewRequest("GET", "/api/v1/address/bc1qexample", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var summary model.AddressSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "bc1qexample", summary.Address)
	assert.Equal(t, 3, summary.TxCount)
}

func TestHandler_GetAddressNotFound(t *testing.T) {
	api := &stubAPI{summaryErr: dispatch.ErrNotFound}
	rec := serve(t, api, httptest.NewRequest("GET", "/api/v1/address/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_GetTransaction(t *testing.T) {
	rec := serve(t, &stubAPI{}, httptest.NewRequest("GET", "/api/v1/tx/deadbeef", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var tx model.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	assert.Equal(t, "deadbeef", tx.TxID)
}

func TestHandler_GetTransactionBadTxID(t *testing.T) {
	rec := serve(t, &stubAPI{}, httptest.NewRequest("GET", "/api/v1/tx/not-a-txid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ExhaustedMapsTo503(t *testing.T) {
	api := &stubAPI{txErr: dispatch.ErrAllEndpointsExhausted}
	rec := serve(t, api, httptest.NewRequest("GET", "/api/v1/tx/deadbeef", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_PostTrace(t *testing.T) {
	api := &stubAPI{}
	body := `{"seed_address":"bc1qseed","hops_before":2,"hops_after":1,"deadline_seconds":30}`
	rec := serve(t, api, httptest.NewRequest("POST", "/api/v1/trace", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "bc1qseed", api.lastTrace.SeedAddress)
	assert.Equal(t, 2, api.lastTrace.HopsBefore)
	assert.Equal(t, 1, api.lastTrace.HopsAfter)
	assert.Equal(t, float64(30), api.lastTrace.Deadline.Seconds())

	var graph trace.Graph
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &graph))
	require.Len(t, graph.Nodes, 1)
	assert.Equal(t, "bc1qseed", graph.Nodes[0].ID)
}

func TestHandler_PostTraceBadBody(t *testing.T) {
	rec := serve(t, &stubAPI{}, httptest.NewRequest("POST", "/api/v1/trace", strings.NewReader("{not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_PostTraceInvalidSeed(t *testing.T) {
	api := &stubAPI{traceErr: trace.ErrInvalidSeed}
	rec := serve(t, api, httptest.NewRequest("POST", "/api/v1/trace", strings.NewReader("{}")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_GetTipHeight(t *testing.T) {
	rec := serve(t, &stubAPI{}, httptest.NewRequest("GET", "/api/v1/tip", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]uint32
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint32(800_123), body["height"])
}

func TestHandler_GetEndpoints(t *testing.T) {
	rec := serve(t, &stubAPI{}, httptest.NewRequest("GET", "/api/v1/endpoints", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats []service.EndpointStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, "https://esplora.example", stats[0].BaseURL)
}
