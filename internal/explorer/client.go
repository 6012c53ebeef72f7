// Package explorer talks to block-explorer mirrors over HTTP and normalizes
// their heterogeneous JSON schemas into the canonical model.
package explorer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/wallettrace7000-backend/internal/dispatch"
	"github.com/goodnatureofminers/wallettrace7000-backend/internal/endpoint"
)

const maxBodyBytes = 8 << 20

// Client implements dispatch.Doer over HTTP. One Client serves every
// endpoint; the schema adapter is chosen per request from the endpoint
// snapshot.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds an HTTP-backed Doer. The per-request deadline comes from
// the dispatcher's context, so the underlying client carries no timeout of
// its own.
func NewClient(logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.Named("explorer"),
	}
}

// Do executes one request against the endpoint and parses the body with the
// endpoint's schema adapter.
func (c *Client) Do(ctx context.Context, ep endpoint.Snapshot, req dispatch.Request) (*dispatch.Result, error) {
	u, err := buildURL(ep, req)
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, ep, u)
	if err != nil {
		return nil, err
	}

	res, err := parse(ep.Schema, req, body)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			return nil, err
		}
		return nil, &dispatch.UpstreamError{Kind: dispatch.KindMalformed, Endpoint: ep.BaseURL, Err: err}
	}
	return res, nil
}

func (c *Client) get(ctx context.Context, ep endpoint.Snapshot, u string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &dispatch.UpstreamError{Kind: dispatch.KindMalformed, Endpoint: ep.BaseURL, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Deadline expiry, connection resets and refusals all schedule
		// the same way: the endpoint did not answer in time.
		return nil, &dispatch.UpstreamError{Kind: dispatch.KindTimeout, Endpoint: ep.BaseURL, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, dispatch.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &dispatch.UpstreamError{Kind: dispatch.KindRateLimited, Endpoint: ep.BaseURL, Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return nil, &dispatch.UpstreamError{Kind: dispatch.KindServerError, Endpoint: ep.BaseURL, Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, &dispatch.UpstreamError{Kind: dispatch.KindMalformed, Endpoint: ep.BaseURL, Status: resp.StatusCode,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &dispatch.UpstreamError{Kind: dispatch.KindTimeout, Endpoint: ep.BaseURL, Err: err}
	}
	if len(body) == 0 {
		return nil, &dispatch.UpstreamError{Kind: dispatch.KindMalformed, Endpoint: ep.BaseURL, Err: errors.New("empty body")}
	}
	return body, nil
}

func buildURL(ep endpoint.Snapshot, req dispatch.Request) (string, error) {
	if req.TxID != "" {
		if _, err := chainhash.NewHashFromStr(req.TxID); err != nil {
			return "", fmt.Errorf("invalid txid %q: %w", req.TxID, err)
		}
	}

	switch ep.Schema {
	case endpoint.SchemaBlockbook:
		return blockbookURL(ep.BaseURL, req)
	default:
		return esploraURL(ep.BaseURL, req)
	}
}

func esploraURL(base string, req dispatch.Request) (string, error) {
	switch req.Op {
	case dispatch.OpAddressSummary:
		return base + "/address/" + url.PathEscape(req.Address), nil
	case dispatch.OpAddressTxIDs:
		q := url.Values{}
		q.Set("offset", fmt.Sprint(req.Offset))
		q.Set("limit", fmt.Sprint(req.Limit))
		return base + "/address/" + url.PathEscape(req.Address) + "/txs?" + q.Encode(), nil
	case dispatch.OpTransaction:
		return base + "/tx/" + req.TxID, nil
	case dispatch.OpTipHeight:
		return base + "/blocks/tip/height", nil
	default:
		return "", fmt.Errorf("unsupported operation %q", req.Op)
	}
}

func blockbookURL(base string, req dispatch.Request) (string, error) {
	switch req.Op {
	case dispatch.OpAddressSummary:
		return base + "/api/v2/address/" + url.PathEscape(req.Address) + "?details=basic", nil
	case dispatch.OpAddressTxIDs:
		if req.Limit <= 0 {
			return "", fmt.Errorf("page limit required for %q", req.Op)
		}
		page := req.Offset/req.Limit + 1
		q := url.Values{}
		q.Set("details", "txids")
		q.Set("page", fmt.Sprint(page))
		q.Set("pageSize", fmt.Sprint(req.Limit))
		return base + "/api/v2/address/" + url.PathEscape(req.Address) + "?" + q.Encode(), nil
	case dispatch.OpTransaction:
		return base + "/api/v2/tx/" + req.TxID, nil
	case dispatch.OpTipHeight:
		return base + "/api/v2/status", nil
	default:
		return "", fmt.Errorf("unsupported operation %q", req.Op)
	}
}

func parse(schema endpoint.Schema, req dispatch.Request, body []byte) (*dispatch.Result, error) {
	switch schema {
	case endpoint.SchemaBlockbook:
		return parseBlockbook(req, body)
	default:
		return parseEsplora(req, body)
	}
}
