package consensus

import (
	"context"
	"math/rand/v2"
	"sync"
)

// rewardFloor is the throughput below which rewards are squashed quadratically,
// so weak episodes separate more clearly from each other.
const rewardFloor = 1000.0

func reward(throughput float64) float64 {
	if throughput < rewardFloor {
		r := throughput / rewardFloor
		return r * r * rewardFloor
	}
	return throughput
}

// GreedyLearner is an epsilon-greedy bandit over a protocol pool, keyed by the
// protocol that ran the previous episode. Untried pairs are explored first.
type GreedyLearner struct {
	pool    []string
	epsilon float64

	mu    sync.Mutex
	rng   *rand.Rand
	prev  string
	sum   map[[2]string]float64
	count map[[2]string]int
}

// NewGreedyLearner returns a learner choosing among pool. seed makes the
// exploration sequence reproducible.
func NewGreedyLearner(pool []string, epsilon float64, seed uint64) *GreedyLearner {
	return &GreedyLearner{
		pool:    append([]string(nil), pool...),
		epsilon: epsilon,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		sum:     make(map[[2]string]float64),
		count:   make(map[[2]string]int),
	}
}

// NextProtocol records the finished episode and picks the next protocol.
func (l *GreedyLearner) NextProtocol(_ context.Context, report EpisodeReport) (string, error) {
	if len(l.pool) == 0 {
		return repeatProtocol, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := [2]string{l.prev, report.Protocol}
	l.sum[key] += reward(report.Throughput)
	l.count[key]++
	l.prev = report.Protocol

	for _, p := range l.pool {
		if l.count[[2]string{report.Protocol, p}] == 0 {
			return p, nil
		}
	}
	if l.rng.Float64() < l.epsilon {
		return l.pool[l.rng.IntN(len(l.pool))], nil
	}

	best, bestMean := repeatProtocol, -1.0
	for _, p := range l.pool {
		k := [2]string{report.Protocol, p}
		mean := l.sum[k] / float64(l.count[k])
		if mean > bestMean {
			best, bestMean = p, mean
		}
	}
	return best, nil
}

// Mean returns the average engineered reward of running next after prev.
func (l *GreedyLearner) Mean(prev, next string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := [2]string{prev, next}
	if l.count[k] == 0 {
		return 0, false
	}
	return l.sum[k] / float64(l.count[k]), true
}
