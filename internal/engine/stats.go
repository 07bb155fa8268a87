package engine

import (
	"time"

	"github.com/solinex/clearmatch/pkg/models"
)

const statsWindow = 24 * time.Hour

type tradePoint struct {
	ts    time.Time
	price uint64
	qty   uint64
}

// marketStats is the per-market rollup. Mutated only by the engine
// while holding the market lock; reads compute the 24h window without
// mutating, so repeated reads are identical absent intervening trades.
type marketStats struct {
	totalTrades uint64
	totalVolume uint64
	lastPrice   uint64
	open        bool
	window      []tradePoint
}

func (s *marketStats) recordTrade(now time.Time, price, qty uint64) {
	s.totalTrades++
	s.totalVolume += qty
	s.lastPrice = price
	s.window = append(s.window, tradePoint{ts: now, price: price, qty: qty})
	s.prune(now)
}

// prune drops points older than the window. Called on writes only.
func (s *marketStats) prune(now time.Time) {
	cutoff := now.Add(-statsWindow)
	i := 0
	for i < len(s.window) && s.window[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.window = append(s.window[:0], s.window[i:]...)
	}
}

func (s *marketStats) snapshot(symbol string, now time.Time) models.MarketStats {
	out := models.MarketStats{
		Market:      symbol,
		TotalTrades: s.totalTrades,
		TotalVolume: s.totalVolume,
		LastPrice:   s.lastPrice,
		MarketOpen:  s.open,
	}
	cutoff := now.Add(-statsWindow)
	for _, p := range s.window {
		if p.ts.Before(cutoff) {
			continue
		}
		out.Volume24h += p.qty
		if out.High24h == 0 || p.price > out.High24h {
			out.High24h = p.price
		}
		if out.Low24h == 0 || p.price < out.Low24h {
			out.Low24h = p.price
		}
	}
	return out
}
