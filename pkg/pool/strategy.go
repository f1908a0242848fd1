package pool

import (
	"fmt"
	"math/rand"

	"proxy-lifecycle/pkg/models"
)

// Strategy picks one proxy among eligible candidates.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	QualityBased     Strategy = "quality_based"
	CostOptimized    Strategy = "cost_optimized"
	LeastConnections Strategy = "least_connections"
	Random           Strategy = "random"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case RoundRobin, QualityBased, CostOptimized, LeastConnections, Random:
		return st, nil
	default:
		return "", fmt.Errorf("unknown load balancing strategy %q", s)
	}
}

// pick returns the index of the chosen candidate. Candidates are in pool
// insertion order. rr is the pool-wide round-robin counter; it advances on
// every round-robin pick regardless of the criteria that produced the set.
func pick(s Strategy, candidates []*entry, rr *uint64, rnd *rand.Rand) int {
	switch s {
	case RoundRobin:
		i := int(*rr % uint64(len(candidates)))
		*rr++
		return i
	case CostOptimized:
		return best(candidates, func(a, b *models.ProxyRecord) bool { return a.CostPerGB < b.CostPerGB })
	case LeastConnections:
		return best(candidates, func(a, b *models.ProxyRecord) bool { return a.LastUsed.Before(b.LastUsed) })
	case Random:
		return rnd.Intn(len(candidates))
	default:
		return best(candidates, func(a, b *models.ProxyRecord) bool { return a.Quality > b.Quality })
	}
}

// best returns the first candidate no other candidate beats.
func best(candidates []*entry, better func(a, b *models.ProxyRecord) bool) int {
	idx := 0
	for i := 1; i < len(candidates); i++ {
		if better(candidates[i].rec, candidates[idx].rec) {
			idx = i
		}
	}
	return idx
}
