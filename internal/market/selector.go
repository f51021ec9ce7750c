package market

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"upbit-trading-bot/internal/upbit"
)

// Lister provides market metadata and 24h tickers; the Cache and the
// raw client both satisfy it through Source.
type Lister interface {
	GetMarkets(ctx context.Context) ([]upbit.Market, error)
	GetTickers(ctx context.Context, markets []string) ([]upbit.Ticker, error)
}

// Selector resolves a user's tradable working set from the exchange
// listing: KRW-quoted markets, minus exchange warnings and the user's
// exclusions, ranked by 24h trade value.
type Selector struct {
	lister Lister
}

// NewSelector wires a selector.
func NewSelector(lister Lister) *Selector {
	return &Selector{lister: lister}
}

// krwQuoted reports whether the market trades against KRW.
func krwQuoted(market string) bool {
	return strings.HasPrefix(market, "KRW-")
}

// Tradable returns all KRW markets without an exchange warning flag,
// minus excluded.
func (s *Selector) Tradable(ctx context.Context, excluded []string) ([]upbit.Market, error) {
	all, err := s.lister.GetMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("market: list markets: %w", err)
	}

	blocked := make(map[string]struct{}, len(excluded))
	for _, m := range excluded {
		blocked[m] = struct{}{}
	}

	var out []upbit.Market
	for _, m := range all {
		if !krwQuoted(m.Market) {
			continue
		}
		if m.MarketWarning != "" && m.MarketWarning != "NONE" {
			continue
		}
		if _, skip := blocked[m.Market]; skip {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// TopByTradeValue returns up to n tradable market codes ranked by 24h
// accumulated trade value, descending.
func (s *Selector) TopByTradeValue(ctx context.Context, n int, excluded []string) ([]string, error) {
	tradable, err := s.Tradable(ctx, excluded)
	if err != nil {
		return nil, err
	}
	if len(tradable) == 0 || n <= 0 {
		return nil, nil
	}

	codes := make([]string, len(tradable))
	for i, m := range tradable {
		codes[i] = m.Market
	}

	tickers, err := s.lister.GetTickers(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("market: tickers: %w", err)
	}

	sort.SliceStable(tickers, func(i, j int) bool {
		return tickers[i].AccTradePrice24h > tickers[j].AccTradePrice24h
	})

	if n > len(tickers) {
		n = len(tickers)
	}
	out := make([]string, 0, n)
	for _, t := range tickers[:n] {
		out = append(out, t.Market)
	}
	return out, nil
}

// WorkingSet is the per-user market list for one tick: the explicit
// targets unioned with the top-N ranking, minus exclusions, order
// preserved and de-duplicated.
func (s *Selector) WorkingSet(ctx context.Context, targets []string, topN int, excluded []string) ([]string, error) {
	blocked := make(map[string]struct{}, len(excluded))
	for _, m := range excluded {
		blocked[m] = struct{}{}
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(market string) {
		if !krwQuoted(market) {
			return
		}
		if _, skip := blocked[market]; skip {
			return
		}
		if _, dup := seen[market]; dup {
			return
		}
		seen[market] = struct{}{}
		out = append(out, market)
	}

	for _, m := range targets {
		add(m)
	}
	if topN > 0 {
		ranked, err := s.TopByTradeValue(ctx, topN, excluded)
		if err != nil {
			return nil, err
		}
		for _, m := range ranked {
			add(m)
		}
	}
	return out, nil
}
