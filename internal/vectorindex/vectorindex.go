// Package vectorindex is an in-memory IVF-FLAT nearest-neighbor index over
// document embeddings. Grounded on api-server/vectors.py's faiss
// IndexIVFFlat usage; gonum replaces faiss's linear algebra since the
// retrieval pack carries no Go faiss binding.
package vectorindex

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
)

const (
	// NList is the number of coarse-quantizer cells, matching NLIST in the
	// Python original.
	NList = 100
	// NProbe is the number of cells probed per search, matching NPROBE.
	NProbe = 35
)

// Vector is an embedding paired with the story it was computed for. A
// story may contribute more than one vector (multi-part documents).
type Vector struct {
	StoryID int64
	Values  []float32
}

type entry struct {
	storyID int64
	values  []float64
	cell    int
}

// Index is a trained IVF-FLAT index. Zero value is not usable; call New.
type Index struct {
	mu  sync.RWMutex
	dim int

	centroids [][]float64 // len == NList once trained
	cells     [][]*entry  // inverted lists, len == NList once trained
	trained   bool
}

func New() *Index {
	return &Index{}
}

// Train builds coarse-quantizer centroids from the given vectors via
// Lloyd's-algorithm k-means, then adds every vector to its nearest cell.
// The embedding dimension is inferred from the first vector and asserted
// against every subsequent one.
func (idx *Index) Train(vectors []Vector) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(vectors) == 0 {
		return errors.New("vectorindex: cannot train on zero vectors")
	}

	dim := len(vectors[0].Values)
	data := make([]entry, len(vectors))
	for i, v := range vectors {
		if len(v.Values) != dim {
			return fmt.Errorf("vectorindex: dimension mismatch: got %d want %d", len(v.Values), dim)
		}
		data[i] = entry{storyID: v.StoryID, values: toFloat64(v.Values)}
	}

	k := NList
	if k > len(data) {
		k = len(data)
	}
	centroids := kMeans(data, k, dim)

	cells := make([][]*entry, len(centroids))
	for i := range data {
		cell := nearestCentroid(centroids, data[i].values)
		data[i].cell = cell
		cells[cell] = append(cells[cell], &data[i])
	}

	idx.dim = dim
	idx.centroids = centroids
	idx.cells = cells
	idx.trained = true
	log.Printf("vectorindex: trained %d cells over %d vectors (dim=%d)", len(centroids), len(data), dim)
	return nil
}

// Add inserts vectors into the trained index without recomputing
// centroids, assigning each to its nearest existing cell. If the index
// has never been trained (the empty-store cold start, where Train is
// never called at startup because there is nothing to load), the first
// Add call trains the index from its own vectors instead of failing
// forever.
func (idx *Index) Add(vectors []Vector) error {
	idx.mu.Lock()
	if !idx.trained && len(vectors) > 0 {
		idx.mu.Unlock()
		return idx.Train(vectors)
	}
	defer idx.mu.Unlock()

	if !idx.trained {
		return errors.New("vectorindex: index not trained")
	}
	for _, v := range vectors {
		if len(v.Values) != idx.dim {
			return fmt.Errorf("vectorindex: dimension mismatch: got %d want %d", len(v.Values), idx.dim)
		}
		vals := toFloat64(v.Values)
		cell := nearestCentroid(idx.centroids, vals)
		idx.cells[cell] = append(idx.cells[cell], &entry{storyID: v.StoryID, values: vals, cell: cell})
	}
	return nil
}

// Remove deletes every vector belonging to the given story ids, from
// whichever cell they live in. Callers must remove before re-adding
// updated embeddings for the same story, matching update_embeddings'
// remove_ids-then-add ordering.
func (idx *Index) Remove(storyIDs []int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(storyIDs) == 0 || !idx.trained {
		return
	}
	drop := make(map[int64]struct{}, len(storyIDs))
	for _, id := range storyIDs {
		drop[id] = struct{}{}
	}
	for i, cell := range idx.cells {
		kept := cell[:0]
		for _, e := range cell {
			if _, found := drop[e.storyID]; !found {
				kept = append(kept, e)
			}
		}
		idx.cells[i] = kept
	}
}

// Update atomically replaces embeddings for the given story ids: remove
// then add, matching update_embeddings in the Python original.
func (idx *Index) Update(storyIDs []int64, newVectors []Vector) error {
	idx.Remove(storyIDs)
	return idx.Add(newVectors)
}

// Result is a single search hit.
type Result struct {
	StoryID  int64
	Distance float64
}

// Search returns the top-k nearest vectors to query, probing the NProbe
// closest cells, deduped by story id (first occurrence wins, matching the
// Python search's id-dedup pass).
func (idx *Index) Search(query []float32, topK int) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.trained {
		return nil, errors.New("vectorindex: index not trained")
	}
	if len(query) != idx.dim {
		return nil, fmt.Errorf("vectorindex: dimension mismatch: got %d want %d", len(query), idx.dim)
	}

	q := toFloat64(query)
	probe := nearestCells(idx.centroids, q, NProbe)

	var all []Result
	for _, cellIdx := range probe {
		for _, e := range idx.cells[cellIdx] {
			all = append(all, Result{StoryID: e.storyID, Distance: l2(q, e.values)})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Distance < all[j].Distance })

	var candidates []Result
	seen := make(map[int64]struct{})
	for _, r := range all {
		if _, dup := seen[r.StoryID]; dup {
			continue
		}
		seen[r.StoryID] = struct{}{}
		candidates = append(candidates, r)
	}
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// Len reports the number of vectors currently indexed (for telemetry).
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for _, c := range idx.cells {
		n += len(c)
	}
	return n
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func l2(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func nearestCentroid(centroids [][]float64, v []float64) int {
	best, bestDist := 0, math.Inf(1)
	for i, c := range centroids {
		d := l2(v, c)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// nearestCells returns the indices of the n closest centroids to v.
func nearestCells(centroids [][]float64, v []float64, n int) []int {
	type cd struct {
		idx  int
		dist float64
	}
	dists := make([]cd, len(centroids))
	for i, c := range centroids {
		dists[i] = cd{idx: i, dist: l2(v, c)}
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })
	if n > len(dists) {
		n = len(dists)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = dists[i].idx
	}
	return out
}

// kMeans runs a fixed number of Lloyd's-algorithm iterations seeded from
// the first k points, deterministic so results are reproducible across
// runs given the same input order.
func kMeans(data []entry, k, dim int) [][]float64 {
	centroids := make([][]float64, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float64(nil), data[i].values...)
	}

	const iterations = 10
	assignments := make([]int, len(data))
	for iter := 0; iter < iterations; iter++ {
		changed := false
		for i, d := range data {
			c := nearestCentroid(centroids, d.values)
			if c != assignments[i] {
				assignments[i] = c
				changed = true
			}
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, d := range data {
			c := assignments[i]
			floats.Add(sums[c], d.values)
			counts[c]++
		}
		for i := range centroids {
			if counts[i] == 0 {
				continue
			}
			floats.Scale(1/float64(counts[i]), sums[i])
			centroids[i] = sums[i]
		}

		if !changed && iter > 0 {
			break
		}
	}
	return centroids
}
