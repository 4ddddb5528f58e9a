package proxy

import (
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/metergate/metergate/internal/store"
	"github.com/metergate/metergate/pkg/apierr"
)

// Read-only endpoints for API consumers: the model catalogue, quota status,
// per-day spend, and the caller's own request logs. All of them authenticate
// the bearer key but skip quota and rate admission.

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels serves GET /v1/models: the enabled model catalogue filtered by
// the key's allow-list.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	key, aerr := g.authenticate(ctx)
	if aerr != nil {
		return
	}

	models, err := g.models.ListEnabledModels(ctx)
	if err != nil {
		apierr.Write(ctx, apierr.Internal("model lookup failed"))
		return
	}

	out := modelList{Object: "list", Data: []modelEntry{}}
	for _, m := range models {
		if !key.ModelAllowed(m.Model) {
			continue
		}
		out.Data = append(out.Data, modelEntry{
			ID:      m.Model,
			Object:  "model",
			Created: key.CreatedAt.Unix(),
			OwnedBy: "metergate",
		})
	}
	writeJSON(ctx, out)
}

type billingSubscription struct {
	Object             string  `json:"object"`
	HasPaymentMethod   bool    `json:"has_payment_method"`
	SoftLimitUSD       float64 `json:"soft_limit_usd"`
	HardLimitUSD       float64 `json:"hard_limit_usd"`
	SystemHardLimitUSD float64 `json:"system_hard_limit_usd"`
	AccessUntil        int64   `json:"access_until"`
}

// handleBillingSubscription serves GET /v1/dashboard/billing/subscription:
// quota figures of the calling key in the OpenAI dashboard shape.
func (g *Gateway) handleBillingSubscription(ctx *fasthttp.RequestCtx) {
	key, aerr := g.authenticate(ctx)
	if aerr != nil {
		return
	}

	sub := billingSubscription{
		Object:             "billing_subscription",
		HasPaymentMethod:   true,
		SoftLimitUSD:       key.TotalQuota - key.UsedQuota,
		HardLimitUSD:       key.TotalQuota,
		SystemHardLimitUSD: key.TotalQuota,
	}
	if key.ExpiresAt != nil {
		sub.AccessUntil = key.ExpiresAt.Unix()
	}
	writeJSON(ctx, sub)
}

type dailyCostEntry struct {
	Timestamp int64   `json:"timestamp"`
	Cost      float64 `json:"cost"`
	Calls     int     `json:"calls"`
	Tokens    int     `json:"tokens"`
}

type usageReply struct {
	Object     string           `json:"object"`
	DailyCosts []dailyCostEntry `json:"daily_costs"`

	// TotalUsage is in cents, matching the OpenAI dashboard contract.
	TotalUsage float64 `json:"total_usage"`
}

// handleBillingUsage serves GET /v1/dashboard/billing/usage with
// start_date / end_date query parameters in YYYY-MM-DD (both inclusive).
func (g *Gateway) handleBillingUsage(ctx *fasthttp.RequestCtx) {
	key, aerr := g.authenticate(ctx)
	if aerr != nil {
		return
	}
	if g.logStore == nil {
		apierr.Write(ctx, apierr.Internal("usage store not configured"))
		return
	}

	start, err := parseDay(string(ctx.QueryArgs().Peek("start_date")))
	if err != nil {
		apierr.Write(ctx, apierr.BadRequest("Invalid start_date, expected YYYY-MM-DD"))
		return
	}
	end, err := parseDay(string(ctx.QueryArgs().Peek("end_date")))
	if err != nil {
		apierr.Write(ctx, apierr.BadRequest("Invalid end_date, expected YYYY-MM-DD"))
		return
	}
	// end_date is inclusive; the store query bound is exclusive.
	end = end.AddDate(0, 0, 1)

	costs, err := g.logStore.DailyCosts(ctx, key.ID, start, end)
	if err != nil {
		apierr.Write(ctx, apierr.Internal("usage lookup failed"))
		return
	}

	out := usageReply{Object: "list", DailyCosts: []dailyCostEntry{}}
	for _, c := range costs {
		out.DailyCosts = append(out.DailyCosts, dailyCostEntry{
			Timestamp: c.Day.Unix(),
			Cost:      c.Cost,
			Calls:     c.Calls,
			Tokens:    c.Tokens,
		})
		out.TotalUsage += c.Cost * 100
	}
	writeJSON(ctx, out)
}

type logEntry struct {
	ID               string  `json:"id"`
	Model            string  `json:"model"`
	Source           string  `json:"source,omitempty"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
	LatencyMs        int64   `json:"latency_ms"`
	Status           int     `json:"status"`
	Stream           bool    `json:"stream"`
	Error            string  `json:"error,omitempty"`
	CreatedAt        int64   `json:"created_at"`
}

type logList struct {
	Object  string     `json:"object"`
	Data    []logEntry `json:"data"`
	Page    int        `json:"page"`
	PerPage int        `json:"per_page"`
	Total   int        `json:"total"`
}

// handleLogs serves GET /v1/logs: the caller's own request history,
// newest first.
func (g *Gateway) handleLogs(ctx *fasthttp.RequestCtx) {
	key, aerr := g.authenticate(ctx)
	if aerr != nil {
		return
	}
	if g.logStore == nil {
		apierr.Write(ctx, apierr.Internal("log store not configured"))
		return
	}

	page := queryInt(ctx, "page", 1)
	perPage := queryInt(ctx, "per_page", 20)
	if perPage > 100 {
		perPage = 100
	}

	entries, total, err := g.logStore.Recent(ctx, key.ID, page, perPage)
	if err != nil {
		apierr.Write(ctx, apierr.Internal("log lookup failed"))
		return
	}

	out := logList{Object: "list", Data: []logEntry{}, Page: page, PerPage: perPage, Total: total}
	for _, e := range entries {
		out.Data = append(out.Data, logEntry{
			ID:               e.ID.String(),
			Model:            e.Model,
			Source:           e.SourceName,
			PromptTokens:     e.PromptTokens,
			CompletionTokens: e.CompletionTokens,
			TotalTokens:      e.TotalTokens,
			Cost:             e.Cost,
			LatencyMs:        e.LatencyMs,
			Status:           e.Status,
			Stream:           e.Stream,
			Error:            e.Error,
			CreatedAt:        e.CreatedAt.Unix(),
		})
	}
	writeJSON(ctx, out)
}

// authenticate resolves the bearer key for read-only endpoints, writing the
// error response itself on failure.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (*store.APIKey, *apierr.Error) {
	key, aerr := g.auth.Authenticate(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if aerr != nil {
		g.reject(ctx, aerr, "auth")
		return nil, aerr
	}
	return key, nil
}

func parseDay(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}

func queryInt(ctx *fasthttp.RequestCtx, name string, def int) int {
	raw := string(ctx.QueryArgs().Peek(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
