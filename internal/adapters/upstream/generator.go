package upstream

import (
	"context"
	"math/rand"
	"time"

	"github.com/dusan02/vercel-pmp-sub002/internal/domain"
)

// GeneratorSource emits synthetic random-walk quotes for a fixed symbol
// set. Dev-mode stand-in for a real feed.
type GeneratorSource struct {
	symbols  []string
	interval time.Duration
	shares   map[string]float64
	prev     map[string]float64
}

func NewGeneratorSource(symbols []string, interval time.Duration) *GeneratorSource {
	if interval <= 0 {
		interval = time.Second
	}
	shares := make(map[string]float64, len(symbols))
	prev := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		shares[s] = 1e9 + rand.Float64()*14e9
		prev[s] = 20 + rand.Float64()*480
	}
	return &GeneratorSource{
		symbols:  symbols,
		interval: interval,
		shares:   shares,
		prev:     prev,
	}
}

func (g *GeneratorSource) Name() string { return "generator" }

// Start emits one record per symbol per interval until ctx is cancelled.
func (g *GeneratorSource) Start(ctx context.Context) <-chan domain.RankRecord {
	out := make(chan domain.RankRecord, len(g.symbols)*2)

	prices := make(map[string]float64, len(g.symbols))
	for s, p := range g.prev {
		prices[s] = p
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, s := range g.symbols {
					delta := (rand.Float64() - 0.5) * 0.02 * prices[s]
					prices[s] += delta
					if prices[s] <= 0 {
						prices[s] = g.prev[s]
					}

					prev := g.prev[s]
					shares := g.shares[s]
					rec := domain.RankRecord{
						Symbol:        s,
						Price:         prices[s],
						MarketCap:     prices[s] * shares,
						MarketCapDiff: (prices[s] - prev) * shares,
						ChangePct:     (prices[s] - prev) / prev * 100,
						Updated:       now,
					}
					select {
					case out <- rec:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}
