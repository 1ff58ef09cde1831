package knowledge

import (
	"context"
	"sort"
)

// LearnUserProfile aggregates a user's recent query history into an updated
// UserProfile: the most frequent chart type becomes PreferredChart, the most
// frequent time range becomes PreferredTimeRange, and the most frequent
// dimensions (capped at 5) become FocusDimensions. Expertise and Group are
// left untouched since they are set explicitly, not inferred.
func (s *Store) LearnUserProfile(ctx context.Context, userID string, sampleSize int) (*UserProfile, error) {
	history, err := s.RecentQueryHistory(ctx, userID, sampleSize)
	if err != nil {
		return nil, err
	}
	profile, err := s.GetUserProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return profile, nil
	}

	chartCounts := map[string]int{}
	rangeCounts := map[string]int{}
	dimCounts := map[string]int{}
	for _, h := range history {
		if h.ChartType != "" {
			chartCounts[h.ChartType]++
		}
		if h.TimeRange != "" {
			rangeCounts[h.TimeRange]++
		}
		for _, d := range h.Dimensions {
			dimCounts[d]++
		}
	}

	if top := topKey(chartCounts); top != "" {
		profile.PreferredChart = top
	}
	if top := topKey(rangeCounts); top != "" {
		profile.PreferredTimeRange = top
	}
	profile.FocusDimensions = topKeys(dimCounts, 5)

	if err := s.UpsertUserProfile(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

func topKey(counts map[string]int) string {
	best, bestCount := "", 0
	for k, v := range counts {
		if v > bestCount {
			best, bestCount = k, v
		}
	}
	return best
}

func topKeys(counts map[string]int, n int) []string {
	type kv struct {
		key   string
		count int
	}
	all := make([]kv, 0, len(counts))
	for k, v := range counts {
		all = append(all, kv{k, v})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].key < all[j].key
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.key
	}
	return out
}
