package proxy

import (
	"context"
	"log/slog"
	"math/rand/v2"

	"github.com/metergate/metergate/internal/store"
	"github.com/metergate/metergate/pkg/apierr"
)

// selectSource picks the upstream source for a model.
//
// Enabled sources that serve the model are grouped by priority; only the
// highest-priority tier is considered. Within the tier a weighted random draw
// spreads traffic in proportion to each source's weight. A tier of one is a
// deterministic pick.
func (g *Gateway) selectSource(ctx context.Context, model string) (*store.Source, *apierr.Error) {
	sources, err := g.sources.ListEnabled(ctx)
	if err != nil {
		g.log.ErrorContext(ctx, "source_list_error",
			slog.String("error", err.Error()),
		)
		return nil, apierr.Internal("source lookup failed")
	}

	var tier []*store.Source
	for _, s := range sources {
		if !s.ServesModel(model) {
			continue
		}
		switch {
		case len(tier) == 0 || s.Priority > tier[0].Priority:
			tier = append(tier[:0], s)
		case s.Priority == tier[0].Priority:
			tier = append(tier, s)
		}
	}

	switch len(tier) {
	case 0:
		return nil, apierr.NoUpstream("No available source for model: " + model)
	case 1:
		return tier[0], nil
	}

	return weightedPick(tier), nil
}

// weightedPick draws one source with probability proportional to its weight.
// Non-positive weights count as 1 so a misconfigured source still receives
// traffic.
func weightedPick(tier []*store.Source) *store.Source {
	total := 0
	for _, s := range tier {
		total += effectiveWeight(s)
	}

	n := rand.IntN(total)
	for _, s := range tier {
		n -= effectiveWeight(s)
		if n < 0 {
			return s
		}
	}
	return tier[len(tier)-1]
}

func effectiveWeight(s *store.Source) int {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}
