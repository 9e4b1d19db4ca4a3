// Package ranker combines vector distance, score, recency and title
// topicality into a single relevance ranking. Grounded on compute_rankings
// in api-server/search.py.
package ranker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hnsearch/hnsearch/internal/storage"
	"github.com/hnsearch/hnsearch/internal/vectorindex"
)

// FilterStore is the subset of internal/storage.Store the ranker needs to
// evaluate a filter predicate and a non-relevance sort, narrowed so
// callers can supply a fake in tests.
type FilterStore interface {
	FilterIDs(ctx context.Context, ids []int64, f storage.FilterPredicate, sortBy storage.SortBy, order storage.SortOrder) ([]int64, error)
}

const (
	weightScore    = 0.25
	weightDistance = 0.25
	weightRecency  = 0.4
	weightTopic    = 0.15
)

// Candidate is a vector-search hit joined with the story metadata needed
// to rank it.
type Candidate struct {
	StoryID  int64
	Distance float64
	Title    string
	Score    int
	Time     int64
}

// Ranked is a candidate with its computed relevance rank.
type Ranked struct {
	Candidate
	Rank float64
}

// isFilterEmpty reports whether f carries no constraints at all, letting
// Rank skip the FilterStore round trip entirely for the common unfiltered
// search.
func isFilterEmpty(f storage.FilterPredicate) bool {
	return f.By == "" && f.BeforeTime == nil && f.AfterTime == nil &&
		f.MinScore == nil && f.MaxScore == nil && f.MinComments == nil && f.MaxComments == nil
}

// Rank expands vector hits against story metadata (dropping untitled
// stories, treating an absent or zero score as 1), then scores and sorts them
// descending by rank, tie-broken ascending by story id — the reverse of
// Python's `sorted((rank, story_id), reverse=True)` tuple ordering.
//
// When filter carries any constraint, or sortBy asks for something other
// than relevance, ids are additionally narrowed/reordered through store's
// FilterIDs against Postgres, matching api-server/search.py's
// apply_filters_and_sort. A plain relevance search with no filter never
// touches the store.
func Rank(ctx context.Context, store FilterStore, query string, hits []vectorindex.Result, meta map[int64]storage.StoryMeta, now int64, filter storage.FilterPredicate, sortBy storage.SortBy, order storage.SortOrder) ([]Ranked, error) {
	candidates := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		m, ok := meta[h.StoryID]
		if !ok || m.Title == "" {
			continue
		}
		score := m.Score
		if score == 0 {
			score = 1
		}
		candidates = append(candidates, Candidate{
			StoryID:  h.StoryID,
			Distance: h.Distance,
			Title:    m.Title,
			Score:    score,
			Time:     m.Time,
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	scores := make([]float64, len(candidates))
	distances := make([]float64, len(candidates))
	recencies := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = float64(c.Score)
		distances[i] = c.Distance
		recencies[i] = float64(now - c.Time)
	}

	normScores := normalize(scores, false)
	normDistances := normalize(distances, true)
	normRecencies := normalize(recencies, true)

	queryWords := queryWordSet(query)

	ranked := make([]Ranked, len(candidates))
	for i, c := range candidates {
		topicality := topicality(queryWords, c.Title)
		rank := weightScore*normScores[i] + weightDistance*normDistances[i] +
			weightRecency*normRecencies[i] + weightTopic*topicality
		ranked[i] = Ranked{Candidate: c, Rank: rank}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Rank != ranked[j].Rank {
			return ranked[i].Rank > ranked[j].Rank
		}
		return ranked[i].StoryID < ranked[j].StoryID
	})

	if isFilterEmpty(filter) && (sortBy == "" || sortBy == storage.SortRelevance) {
		return ranked, nil
	}
	if store == nil {
		return nil, fmt.Errorf("ranker: filter/sort requested but no store was supplied")
	}

	ids := make([]int64, len(ranked))
	byID := make(map[int64]Ranked, len(ranked))
	for i, r := range ranked {
		ids[i] = r.StoryID
		byID[r.StoryID] = r
	}

	kept, err := store.FilterIDs(ctx, ids, filter, sortBy, order)
	if err != nil {
		return nil, fmt.Errorf("ranker: filter ids: %w", err)
	}

	out := make([]Ranked, 0, len(kept))
	for _, id := range kept {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}

	if sortBy == "" || sortBy == storage.SortRelevance {
		// FilterIDs issues no ORDER BY for relevance, so the surviving ids
		// come back in whatever order Postgres chooses; re-sort by rank.
		sort.Slice(out, func(i, j int) bool {
			if out[i].Rank != out[j].Rank {
				return out[i].Rank > out[j].Rank
			}
			return out[i].StoryID < out[j].StoryID
		})
	}
	return out, nil
}

// normalize min-max scales values to [0,1]. When every value is equal
// (degenerate range), it returns all-1 for forward normalization and
// all-0 for reverse, matching normalize() in the Python original exactly.
func normalize(values []float64, reverse bool) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		fill := 1.0
		if reverse {
			fill = 0.0
		}
		for i := range out {
			out[i] = fill
		}
		return out
	}
	for i, v := range values {
		n := (v - min) / (max - min)
		if reverse {
			n = 1 - n
		}
		out[i] = n
	}
	return out
}

func queryWordSet(query string) map[string]struct{} {
	words := strings.Fields(query)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.ToLower(w)] = struct{}{}
	}
	return set
}

// topicality sums 1/(i+1) over title words present in the query word set,
// position-weighted so earlier matches count more, matching
// calculate_topicality.
func topicality(queryWords map[string]struct{}, title string) float64 {
	titleWords := strings.Fields(title)
	var sum float64
	for i, w := range titleWords {
		if _, ok := queryWords[strings.ToLower(w)]; ok {
			sum += 1.0 / float64(i+1)
		}
	}
	return sum
}
