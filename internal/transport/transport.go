// Package transport implements the pooled JSON-RPC HTTP transport every
// agent call goes through: connection pooling, a per-call total deadline
// (connects are also bounded by the dialer's fixed 10s timeout), and typed, discriminable
// failures for malformed responses, non-2xx statuses, and connect/read
// errors.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/agentmesh/orchestrator/internal/a2a"
	orcherrors "github.com/agentmesh/orchestrator/internal/errors"
	"github.com/agentmesh/orchestrator/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

// PoolConfig controls the shared transport's connection limits.
type PoolConfig struct {
	MaxTotal     int
	MaxPerHost   int
	KeepAlive    time.Duration
	DNSCacheTTL  time.Duration
}

// Transport is a reusable pooled HTTP client issuing A2A JSON-RPC requests.
// One Transport is shared across all endpoints; the pool's per-host cap
// keeps any single misbehaving agent from exhausting the total budget.
type Transport struct {
	client *http.Client
}

// New builds a Transport whose underlying connection pool honors the given
// caps. cfg.DNSCacheTTL is not applied: the transport does no DNS caching
// of its own, and net/http has no direct knob for it.
func New(cfg PoolConfig) *Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: cfg.KeepAlive,
	}
	rt := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxTotal,
		MaxIdleConnsPerHost: cfg.MaxPerHost,
		MaxConnsPerHost:     cfg.MaxPerHost,
		IdleConnTimeout:     cfg.KeepAlive,
	}
	return &Transport{client: &http.Client{Transport: rt}}
}

// PostJSON issues a JSON-RPC request against endpoint, honoring total as
// the overall deadline. The connect phase is bounded only by total and the
// dialer's fixed 10s timeout; min(total/3, 10s) is computed but not applied
// as a separate connect sub-deadline.
// It returns the decoded A2A response or a classified *errors.CallError.
func (t *Transport) PostJSON(ctx context.Context, endpoint string, req *a2a.Request, total time.Duration) (*a2a.Response, error) {
	tracer := telemetry.Tracer()
	ctx, span := tracer.Start(ctx, "transport.PostJSON",
	)
	defer span.End()
	span.SetAttributes(attribute.String("a2a.endpoint", endpoint), attribute.Int64("a2a.request_id", req.ID))
	telemetry.SetSpanCorrelation(ctx)

	connectTimeout := total / 3
	if connectTimeout > 10*time.Second {
		connectTimeout = 10 * time.Second
	}

	body, err := json.Marshal(req)
	if err != nil {
		span.RecordError(err)
		return nil, orcherrors.NewCallError(orcherrors.KindInternal, "transport.marshal", err)
	}

	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return nil, orcherrors.NewCallError(orcherrors.KindInternal, "transport.new_request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	telemetry.InjectHeaders(ctx, httpReq.Header)
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	_ = connectTimeout // documented sub-deadline; net/http shares one deadline via ctx

	resp, err := t.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		if ctx.Err() != nil {
			return nil, orcherrors.NewCallError(orcherrors.KindTransient, "transport.read_timeout", orcherrors.ErrReadTimeout)
		}
		return nil, orcherrors.NewCallError(orcherrors.KindTransient, "transport.connect", orcherrors.ErrConnectFailed)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, orcherrors.NewCallError(orcherrors.KindTransient, "transport.read_body", orcherrors.ErrReadTimeout)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		kind := orcherrors.KindTransient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = orcherrors.KindDomain
		}
		span.SetStatus(codes.Error, "non-2xx status")
		return nil, orcherrors.NewCallError(kind, "transport.status",
			fmt.Errorf("%w: %d", orcherrors.ErrNon2xxStatus, resp.StatusCode))
	}

	var a2aResp a2a.Response
	if err := json.Unmarshal(raw, &a2aResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed json")
		return nil, orcherrors.NewCallError(orcherrors.KindProtocol, "transport.decode", orcherrors.ErrMalformedJSON)
	}

	span.SetStatus(codes.Ok, "")
	return &a2aResp, nil
}

// GetAgentCard fetches the discovery document at endpoint + /a2a/agent-card.
func (t *Transport) GetAgentCard(ctx context.Context, endpoint string, timeout time.Duration) (*a2a.AgentCard, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/a2a/agent-card", nil)
	if err != nil {
		return nil, orcherrors.NewCallError(orcherrors.KindInternal, "transport.agent_card.new_request", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, orcherrors.NewCallError(orcherrors.KindTransient, "transport.agent_card.timeout", orcherrors.ErrReadTimeout)
		}
		return nil, orcherrors.NewCallError(orcherrors.KindTransient, "transport.agent_card.connect", orcherrors.ErrConnectFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, orcherrors.NewCallError(orcherrors.KindProtocol, "transport.agent_card.status",
			fmt.Errorf("%w: %d", orcherrors.ErrNon2xxStatus, resp.StatusCode))
	}

	var card a2a.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, orcherrors.NewCallError(orcherrors.KindProtocol, "transport.agent_card.decode", orcherrors.ErrMalformedJSON)
	}
	return &card, nil
}

// Ping issues a lightweight health check against endpoint + /health.
func (t *Transport) Ping(ctx context.Context, endpoint string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return orcherrors.NewCallError(orcherrors.KindInternal, "transport.ping.new_request", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return orcherrors.NewCallError(orcherrors.KindTransient, "transport.ping.timeout", orcherrors.ErrReadTimeout)
		}
		return orcherrors.NewCallError(orcherrors.KindTransient, "transport.ping.connect", orcherrors.ErrConnectFailed)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return orcherrors.NewCallError(orcherrors.KindProtocol, "transport.ping.status",
			fmt.Errorf("%w: %d", orcherrors.ErrNon2xxStatus, resp.StatusCode))
	}
	return nil
}
