// Package pricing converts token usage into a monetary cost using per-model
// unit prices from the pricing store.
package pricing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/metergate/metergate/internal/store"
)

const tokensPerUnit = 1_000_000

// Calculator resolves model pricing and computes request cost.
type Calculator struct {
	models store.PricingStore
	log    *slog.Logger
}

func New(models store.PricingStore, log *slog.Logger) *Calculator {
	if log == nil {
		log = slog.Default()
	}
	return &Calculator{models: models, log: log}
}

// Cost returns the USD cost of a completion:
//
//	(promptTokens / 1e6) * inputPrice + (completionTokens / 1e6) * outputPrice
//
// A model without a pricing record costs zero. Billing fails open so that
// functioning traffic is never blocked by a misconfigured price list; the
// miss is logged at WARN for operational alerting.
func (c *Calculator) Cost(ctx context.Context, model string, promptTokens, completionTokens int) float64 {
	m, err := c.models.FindModel(ctx, model)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.log.WarnContext(ctx, "pricing_missing",
				slog.String("model", model),
			)
		} else {
			c.log.ErrorContext(ctx, "pricing_lookup_error",
				slog.String("model", model),
				slog.String("error", err.Error()),
			)
		}
		return 0
	}

	return float64(promptTokens)/tokensPerUnit*m.InputPrice +
		float64(completionTokens)/tokensPerUnit*m.OutputPrice
}
