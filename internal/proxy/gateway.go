// Package proxy is the core request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// the caller's key, enforces quota and rate limits, selects an upstream
// source, and forwards the request — relaying the upstream response verbatim
// while harvesting token usage for billing.
//
// Key design constraints:
//   - No blocking I/O after the response starts: billing debits and request
//     logging happen off the hot path.
//   - Rate limiter, request logger, and metrics are optional and nil-safe.
//   - Upstream bodies cross the gateway untouched; error payloads from a
//     provider reach the client exactly as the provider wrote them.
package proxy

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/metergate/metergate/internal/auth"
	"github.com/metergate/metergate/internal/logger"
	"github.com/metergate/metergate/internal/metrics"
	"github.com/metergate/metergate/internal/pricing"
	"github.com/metergate/metergate/internal/quota"
	"github.com/metergate/metergate/internal/ratelimit"
	"github.com/metergate/metergate/internal/store"
	"github.com/metergate/metergate/internal/upstream"
	"github.com/metergate/metergate/pkg/apierr"
)

const settleTimeout = 10 * time.Second

// errorExcerptLimit caps how much of an upstream error body is copied into
// the request log.
const errorExcerptLimit = 512

func errorExcerpt(body []byte) string {
	if len(body) > errorExcerptLimit {
		body = body[:errorExcerptLimit]
	}
	return string(body)
}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// CORSOrigins is the allowed origin list. Empty or ["*"] allows all.
	CORSOrigins []string
}

// Gateway is the main proxy. All dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	auth      *auth.Service
	quota     *quota.Manager
	pricing   *pricing.Calculator
	sources   store.SourceStore
	models    store.PricingStore
	forwarder *upstream.Forwarder

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	// Optional dependencies, nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger
	logStore   logger.Store

	corsOrigins []string
}

// NewGateway creates a fully configured Gateway.
func NewGateway(
	baseCtx context.Context,
	authSvc *auth.Service,
	quotaMgr *quota.Manager,
	calc *pricing.Calculator,
	sources store.SourceStore,
	models store.PricingStore,
	fwd *upstream.Forwarder,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Gateway{
		auth:        authSvc,
		quota:       quotaMgr,
		pricing:     calc,
		sources:     sources,
		models:      models,
		forwarder:   fwd,
		baseCtx:     baseCtx,
		log:         log,
		metrics:     opts.Metrics,
		corsOrigins: opts.CORSOrigins,
	}
}

// SetRateLimiter injects the per-key RPM limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetRequestLogger injects the async request logger and its backing store.
// The store serves the dashboard and log listing endpoints.
func (g *Gateway) SetRequestLogger(l *logger.Logger, s logger.Store) {
	g.reqLogger = l
	g.logStore = s
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	servedSource := "none"
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, status, dur)
		g.metrics.RecordRequest(servedSource, status)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Authenticate the caller's key.
	key, aerr := g.auth.Authenticate(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if aerr != nil {
		g.reject(ctx, aerr, "auth")
		return
	}

	// 2. Validate the body. Validation failures are the caller's mistake and
	// produce no billing record.
	body := ctx.PostBody()
	if !gjson.ValidBytes(body) {
		g.reject(ctx, apierr.BadRequest("Invalid JSON body"), "bad_request")
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		g.reject(ctx, apierr.BadRequest("Missing required field: model"), "bad_request")
		return
	}
	stream := gjson.GetBytes(body, "stream").Bool()

	if merr := g.auth.CheckModel(key, model); merr != nil {
		g.reject(ctx, merr, "model")
		return
	}

	// 3. Quota admission: apply due period resets, then check ceilings against
	// the refreshed snapshot.
	if err := g.quota.Refresh(ctx, key); err != nil {
		g.log.ErrorContext(ctx, "quota_refresh_error",
			slog.String("request_id", reqID),
			slog.Int64("key_id", key.ID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, apierr.Internal("quota refresh failed"))
		return
	}
	if qerr := g.quota.Check(key); qerr != nil {
		g.reject(ctx, qerr, "quota")
		return
	}

	// 4. Rate limit (RPM).
	if g.rpmLimiter != nil && !g.rpmLimiter.Allow(key.ID, key.RPM) {
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", reqID),
			slog.Int64("key_id", key.ID),
		)
		g.reject(ctx, apierr.RateLimited("Rate limit exceeded: requests per minute"), "rate")
		return
	}

	// 5. Select an upstream source for the model.
	src, serr := g.selectSource(ctx, model)
	if serr != nil {
		g.reject(ctx, serr, "no_source")
		g.logRequest(reqID, key, model, nil, upstream.TokenUsage{}, 0,
			time.Since(start), serr.Status, stream, serr.Message)
		return
	}
	servedSource = src.Name

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("key", key.Name),
		slog.String("model", model),
		slog.String("source", src.Name),
		slog.Bool("stream", stream),
	)

	if stream {
		streaming = g.forwardStream(ctx, reqID, key, model, src, body, start, route)
		return
	}
	g.forwardSync(ctx, reqID, key, model, src, body, start)
}

// forwardSync handles the non-streaming path: the upstream reply is buffered,
// returned verbatim, and usage is read from the response body.
func (g *Gateway) forwardSync(
	ctx *fasthttp.RequestCtx,
	reqID string,
	key *store.APIKey,
	model string,
	src *store.Source,
	body []byte,
	start time.Time,
) {
	upStart := time.Now()
	resp, err := g.forwarder.Complete(src, body)
	upDur := time.Since(upStart)
	if g.metrics != nil {
		g.metrics.ObserveUpstream(src.Name, "sync", upDur)
	}
	if err != nil {
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", reqID),
			slog.String("source", src.Name),
			slog.String("error", err.Error()),
		)
		uerr := apierr.Upstream(0, "Upstream request failed")
		apierr.Write(ctx, uerr)
		g.logRequest(reqID, key, model, src, upstream.TokenUsage{}, 0,
			time.Since(start), uerr.Status, false, err.Error())
		return
	}

	ctx.SetStatusCode(resp.StatusCode)
	if resp.ContentType != "" {
		ctx.SetContentType(resp.ContentType)
	} else {
		ctx.SetContentType("application/json")
	}
	ctx.SetBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.log.WarnContext(ctx, "upstream_status",
			slog.String("request_id", reqID),
			slog.String("source", src.Name),
			slog.Int("status", resp.StatusCode),
		)
		g.logRequest(reqID, key, model, src, upstream.TokenUsage{}, 0,
			time.Since(start), resp.StatusCode, false, errorExcerpt(resp.Body))
		return
	}

	report := upstream.ExtractUsage(resp.Body)
	if report.State == upstream.UsageMalformed {
		g.log.WarnContext(ctx, "usage_malformed",
			slog.String("request_id", reqID),
			slog.String("source", src.Name),
			slog.String("model", model),
		)
	}
	g.settle(reqID, key, model, src, report.Usage, time.Since(start), resp.StatusCode, false, "")
}

// forwardStream handles the streaming path. Returns true once response
// finalisation has been handed to the stream writer.
func (g *Gateway) forwardStream(
	ctx *fasthttp.RequestCtx,
	reqID string,
	key *store.APIKey,
	model string,
	src *store.Source,
	body []byte,
	start time.Time,
	route string,
) bool {
	upStart := time.Now()
	resp, err := g.forwarder.Stream(src, body)
	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveUpstream(src.Name, "stream", time.Since(upStart))
		}
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", reqID),
			slog.String("source", src.Name),
			slog.String("error", err.Error()),
		)
		uerr := apierr.Upstream(0, "Upstream request failed")
		apierr.Write(ctx, uerr)
		g.logRequest(reqID, key, model, src, upstream.TokenUsage{}, 0,
			time.Since(start), uerr.Status, true, err.Error())
		return false
	}

	// A source that rejects the request answers with a buffered error body,
	// passed through as-is.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(resp.Body)
		resp.Close()
		if g.metrics != nil {
			g.metrics.ObserveUpstream(src.Name, "stream", time.Since(upStart))
		}
		ctx.SetStatusCode(resp.StatusCode)
		if resp.ContentType != "" {
			ctx.SetContentType(resp.ContentType)
		} else {
			ctx.SetContentType("application/json")
		}
		ctx.SetBody(errBody)
		g.logRequest(reqID, key, model, src, upstream.TokenUsage{}, 0,
			time.Since(start), resp.StatusCode, true, errorExcerpt(errBody))
		return false
	}

	ctx.SetStatusCode(resp.StatusCode)
	if resp.ContentType != "" {
		ctx.SetContentType(resp.ContentType)
	} else {
		ctx.SetContentType("text/event-stream")
	}
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	srcName := src.Name
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }()
		defer resp.Close()

		proc := upstream.NewStreamProcessor(resp.Body)
		relayErr := proc.Relay(func(chunk []byte) error {
			if _, werr := w.Write(chunk); werr != nil {
				return werr
			}
			return w.Flush()
		})
		if relayErr != nil {
			// The client went away. Closing the upstream stream aborts the
			// rest of the generation; billing settles from whatever usage
			// arrived before the disconnect, which may be none.
			resp.Close()
			g.log.Warn("client_disconnected",
				slog.String("request_id", reqID),
				slog.String("source", srcName),
			)
		}

		upDur := time.Since(upStart)
		report := proc.Report()
		if report.State == upstream.UsageMalformed {
			g.log.Warn("usage_malformed",
				slog.String("request_id", reqID),
				slog.String("source", srcName),
				slog.String("model", model),
			)
		}
		g.settle(reqID, key, model, src, report.Usage, time.Since(start), fasthttp.StatusOK, true, "")

		if g.metrics != nil {
			g.metrics.ObserveUpstream(srcName, "stream", upDur)
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start))
			g.metrics.RecordRequest(srcName, fasthttp.StatusOK)
			g.metrics.DecInFlight()
		}
	})
	return true
}

// settle prices the harvested usage, debits the key asynchronously, and
// enqueues exactly one request log entry.
func (g *Gateway) settle(
	reqID string,
	key *store.APIKey,
	model string,
	src *store.Source,
	usage upstream.TokenUsage,
	latency time.Duration,
	status int,
	stream bool,
	errMsg string,
) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(g.baseCtx), settleTimeout)
	cost := g.pricing.Cost(sctx, model, usage.PromptTokens, usage.CompletionTokens)

	if g.metrics != nil {
		g.metrics.AddTokens(src.Name, usage.PromptTokens, usage.CompletionTokens)
		g.metrics.AddBilledUSD(model, cost)
	}

	go func() {
		defer cancel()
		if err := g.quota.Debit(sctx, key.ID, cost); err != nil {
			g.log.Error("debit_failed",
				slog.String("request_id", reqID),
				slog.Int64("key_id", key.ID),
				slog.Float64("cost", cost),
				slog.String("error", err.Error()),
			)
		}
	}()

	g.logRequest(reqID, key, model, src, usage, cost, latency, status, stream, errMsg)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	reqID string,
	key *store.APIKey,
	model string,
	src *store.Source,
	usage upstream.TokenUsage,
	cost float64,
	latency time.Duration,
	status int,
	stream bool,
	errMsg string,
) {
	if g.reqLogger == nil {
		return
	}

	id, err := uuid.Parse(reqID)
	if err != nil {
		id = uuid.New()
	}

	entry := logger.RequestLog{
		ID:               id,
		KeyID:            key.ID,
		KeyName:          key.Name,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Cost:             cost,
		LatencyMs:        latency.Milliseconds(),
		Status:           status,
		Stream:           stream,
		Error:            errMsg,
		CreatedAt:        time.Now().UTC(),
	}
	if src != nil {
		entry.SourceID = src.ID
		entry.SourceName = src.Name
	}

	g.reqLogger.Log(entry)
	if g.metrics != nil {
		g.metrics.SetDroppedLogs(g.reqLogger.DroppedLogs())
	}
}

// reject writes an admission failure and counts it.
func (g *Gateway) reject(ctx *fasthttp.RequestCtx, e *apierr.Error, reason string) {
	if g.metrics != nil {
		g.metrics.RecordRejection(reason)
	}
	apierr.Write(ctx, e)
}
