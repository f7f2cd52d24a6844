package services

import (
	"sort"

	"aggregate-dispatcher/internal/cache"
	"aggregate-dispatcher/internal/models"
)

// PolicyResolver decides, for each measurement a policy selected, which
// previously-evaluated policy supplies its source interval. Measurements
// already produced at the same interval by a heavier-weighted policy are
// dropped from the pass entirely.
type PolicyResolver struct {
	cache *cache.MetadataCache
}

func NewPolicyResolver(c *cache.MetadataCache) *PolicyResolver {
	return &PolicyResolver{cache: c}
}

// SortForEvaluation orders policies the way the scheduler walks them:
// interval ascending, eval_position descending. This order is also what
// gives same-interval tie-breaking its meaning.
func SortForEvaluation(policies []models.AggregationPolicy) {
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Interval != policies[j].Interval {
			return policies[i].Interval < policies[j].Interval
		}
		return policies[i].EvalPosition > policies[j].EvalPosition
	})
}

// Resolve buckets the policy's measurements by source interval. A candidate
// policy covers an identifier when its most recent evaluation selected that
// identifier. Candidates are policies no coarser than the current one; at the
// current interval only policies evaluated ahead of it (heavier, or equally
// weighted and listed first) count. The coarsest covering candidate wins;
// identifiers with no prior coverage aggregate from raw data (interval 1).
func (r *PolicyResolver) Resolve(db string, current models.AggregationPolicy, all []models.AggregationPolicy, measurements map[string]models.Measurement) map[int64]map[string]models.Measurement {
	candidates := make([]models.AggregationPolicy, 0, len(all))
	currentSeen := false
	for _, p := range all {
		if p.Name == current.Name {
			currentSeen = true
			continue
		}
		if p.Interval > current.Interval {
			continue
		}
		if p.Interval == current.Interval &&
			(p.EvalPosition < current.EvalPosition || (p.EvalPosition == current.EvalPosition && currentSeen)) {
			continue
		}
		candidates = append(candidates, p)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Interval != candidates[j].Interval {
			return candidates[i].Interval > candidates[j].Interval
		}
		return candidates[i].EvalPosition > candidates[j].EvalPosition
	})

	buckets := make(map[int64]map[string]models.Measurement)
	for identifier, m := range measurements {
		source := int64(1)
		covered := false
		for _, candidate := range candidates {
			prior := r.cache.Measurements(db, candidate.Name)
			if _, ok := prior[identifier]; !ok {
				continue
			}
			if candidate.Interval == current.Interval {
				// A heavier-weighted policy already produced this identifier
				// at this interval.
				covered = true
			} else {
				source = candidate.Interval
			}
			break
		}
		if covered {
			continue
		}
		if buckets[source] == nil {
			buckets[source] = make(map[string]models.Measurement)
		}
		buckets[source][identifier] = m
	}
	return buckets
}
