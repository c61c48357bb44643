package eval

import (
	"math"
	"sort"
)

const (
	MetricPrecision = "precision@k"
	MetricRecall    = "recall@k"
	MetricMRR       = "mrr"
	MetricHitRate   = "hit_rate@k"
	MetricNDCG      = "ndcg@k"
)

// DefaultMetrics is the metric set used when a run names none.
var DefaultMetrics = []string{MetricPrecision, MetricRecall, MetricMRR}

// judgement is the relevance of each retrieved hit, in rank order, plus
// the number of relevant items that exist for the case.
type judgement struct {
	relevant []bool
	total    int
}

type metricFunc func(j judgement, k int) float64

var metrics = map[string]metricFunc{
	MetricPrecision: precisionAtK,
	MetricRecall:    recallAtK,
	MetricMRR:       reciprocalRank,
	MetricHitRate:   hitRateAtK,
	MetricNDCG:      ndcgAtK,
}

// KnownMetrics lists the supported metric names in sorted order.
func KnownMetrics() []string {
	out := make([]string, 0, len(metrics))
	for name := range metrics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func hitsAtK(j judgement, k int) int {
	n := 0
	for i, rel := range j.relevant {
		if i >= k {
			break
		}
		if rel {
			n++
		}
	}
	return n
}

// precisionAtK divides by k, not by the number retrieved, so a short
// result list is not rewarded.
func precisionAtK(j judgement, k int) float64 {
	if k <= 0 {
		return 0
	}
	return float64(hitsAtK(j, k)) / float64(k)
}

func recallAtK(j judgement, k int) float64 {
	if j.total == 0 {
		return 0
	}
	return math.Min(1, float64(hitsAtK(j, k))/float64(j.total))
}

func reciprocalRank(j judgement, _ int) float64 {
	for i, rel := range j.relevant {
		if rel {
			return 1 / float64(i+1)
		}
	}
	return 0
}

func hitRateAtK(j judgement, k int) float64 {
	if hitsAtK(j, k) > 0 {
		return 1
	}
	return 0
}

// ndcgAtK uses binary gains.
func ndcgAtK(j judgement, k int) float64 {
	var dcg float64
	for i, rel := range j.relevant {
		if i >= k {
			break
		}
		if rel {
			dcg += 1 / math.Log2(float64(i+2))
		}
	}
	var ideal float64
	for i := 0; i < min(j.total, k); i++ {
		ideal += 1 / math.Log2(float64(i+2))
	}
	if ideal == 0 {
		return 0
	}
	return dcg / ideal
}
