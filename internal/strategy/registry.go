// Package strategy aggregates trade proposals from pluggable strategies
package strategy

import (
	"context"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/internal/symbols"
)

// Registry owns the configured strategies and merges their proposals into
// one batch per cycle
type Registry struct {
	strategies []core.IStrategy
	logger     core.ILogger
}

// NewRegistry creates a registry over the given strategies
func NewRegistry(logger core.ILogger, strategies ...core.IStrategy) *Registry {
	return &Registry{
		strategies: strategies,
		logger:     logger.WithField("component", "strategy_registry"),
	}
}

// Names returns the names of all enabled strategies
func (r *Registry) Names() []string {
	var names []string
	for _, s := range r.strategies {
		if s.Enabled() {
			names = append(names, s.Name())
		}
	}
	return names
}

// Collect runs every enabled strategy and merges the results. A failing
// strategy is logged and skipped; one bad signal source must not stop the
// cycle. Duplicate symbols keep the highest-confidence proposal.
func (r *Registry) Collect(ctx context.Context, universe *core.Universe, portfolio *core.PortfolioState, quotes map[string]*core.Quote) []*core.TradeProposal {
	var all []*core.TradeProposal

	for _, s := range r.strategies {
		if !s.Enabled() {
			continue
		}
		proposals, err := s.Propose(ctx, universe, portfolio, quotes)
		if err != nil {
			r.logger.Error("Strategy failed, skipping its proposals",
				"strategy", s.Name(), "error", err)
			continue
		}
		for _, p := range proposals {
			if p == nil || p.Symbol == "" {
				continue
			}
			if p.TriggerName == "" {
				p.TriggerName = s.Name()
			}
			all = append(all, p)
		}
	}

	return dedupe(all)
}

// dedupe collapses proposals to one per canonical symbol+side, keeping the
// highest confidence. Order of survivors follows first appearance.
func dedupe(proposals []*core.TradeProposal) []*core.TradeProposal {
	type key struct {
		symbol string
		side   core.Side
	}

	best := make(map[key]*core.TradeProposal)
	var order []key

	for _, p := range proposals {
		k := key{symbol: symbols.Normalize(p.Symbol), side: p.Side}
		existing, seen := best[k]
		if !seen {
			cp := *p
			cp.Symbol = k.symbol
			best[k] = &cp
			order = append(order, k)
			continue
		}
		if p.Confidence > existing.Confidence {
			cp := *p
			cp.Symbol = k.symbol
			best[k] = &cp
		}
	}

	out := make([]*core.TradeProposal, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}
