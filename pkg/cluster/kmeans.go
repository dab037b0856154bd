// Package cluster partitions an embedding corpus into clusters and gives the
// client its routing structure: a plaintext centroid table with exact,
// deterministic nearest-centroid lookup.
package cluster

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// KMeans runs k-means over float vectors. Clustering happens offline at
// corpus build time; the metric it optimizes (squared Euclidean) must match
// the metric the client later routes with.
type KMeans struct {
	K         int     // number of clusters
	MaxIter   int     // iteration cap
	Tolerance float64 // convergence tolerance on inertia
	Seed      int64   // seed for reproducible initialization
	NumInit   int     // initializations to try; best inertia wins

	Centroids  [][]float64 // populated by Fit
	Labels     []int       // cluster assignment per vector, populated by Fit
	Iterations int
	Inertia    float64
}

// Config holds k-means configuration.
type Config struct {
	K         int
	MaxIter   int     // default 100
	Tolerance float64 // default 1e-4
	Seed      int64
	NumInit   int // default 1
}

// NewKMeans creates a clusterer with defaults filled in.
func NewKMeans(cfg Config) *KMeans {
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = 100
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1e-4
	}
	return &KMeans{
		K:         cfg.K,
		MaxIter:   cfg.MaxIter,
		Tolerance: cfg.Tolerance,
		Seed:      cfg.Seed,
		NumInit:   cfg.NumInit,
	}
}

// DefaultK returns the default cluster count for n vectors, ceil(sqrt(n)).
func DefaultK(n int) int {
	if n <= 1 {
		return 1
	}
	return int(math.Ceil(math.Sqrt(float64(n))))
}

// Fit clusters the vectors. Initialization is k-means++ under the
// configured seed, so repeated fits over the same corpus agree. With
// NumInit > 1 the initializations run in parallel under seeds Seed..Seed+n-1
// and the lowest-inertia fit wins, which stays deterministic.
func (km *KMeans) Fit(vectors [][]float64) error {
	if len(vectors) == 0 {
		return fmt.Errorf("cluster: no vectors to fit")
	}
	if km.K < 1 || km.K > len(vectors) {
		return fmt.Errorf("cluster: k=%d with %d vectors", km.K, len(vectors))
	}

	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("cluster: vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	if km.NumInit <= 1 {
		km.fitOnce(vectors, dim, km.Seed)
		return nil
	}

	candidates := make([]KMeans, km.NumInit)
	var wg sync.WaitGroup
	for n := range candidates {
		candidates[n] = KMeans{
			K:         km.K,
			MaxIter:   km.MaxIter,
			Tolerance: km.Tolerance,
		}
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			candidates[n].fitOnce(vectors, dim, km.Seed+int64(n))
		}(n)
	}
	wg.Wait()

	best := 0
	for n := 1; n < len(candidates); n++ {
		if candidates[n].Inertia < candidates[best].Inertia {
			best = n
		}
	}
	km.Centroids = candidates[best].Centroids
	km.Labels = candidates[best].Labels
	km.Iterations = candidates[best].Iterations
	km.Inertia = candidates[best].Inertia
	return nil
}

// fitOnce runs one k-means++ initialization and Lloyd iteration cycle.
func (km *KMeans) fitOnce(vectors [][]float64, dim int, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	km.Centroids = plusPlusInit(vectors, km.K, rng)
	km.Labels = make([]int, len(vectors))

	prevInertia := math.MaxFloat64
	for iter := 0; iter < km.MaxIter; iter++ {
		inertia := km.assign(vectors)
		km.Iterations = iter + 1
		km.Inertia = inertia

		if math.Abs(prevInertia-inertia) < km.Tolerance*float64(len(vectors)) {
			break
		}
		prevInertia = inertia
		km.update(vectors, dim, rng)
	}
}

// Members returns the vector indices of each cluster, in input order.
func (km *KMeans) Members() [][]int {
	out := make([][]int, km.K)
	for i, label := range km.Labels {
		out[label] = append(out[label], i)
	}
	return out
}

func plusPlusInit(vectors [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(vectors)
	dim := len(vectors[0])

	centroids := make([][]float64, k)
	centroids[0] = append([]float64(nil), vectors[rng.Intn(n)]...)

	dist := make([]float64, n)
	for i := range dist {
		dist[i] = math.MaxFloat64
	}

	for c := 1; c < k; c++ {
		total := 0.0
		for i, v := range vectors {
			if d := sqDist(v, centroids[c-1]); d < dist[i] {
				dist[i] = d
			}
			total += dist[i]
		}

		threshold := rng.Float64() * total
		chosen := n - 1
		cum := 0.0
		for i, d := range dist {
			cum += d
			if cum >= threshold {
				chosen = i
				break
			}
		}

		centroids[c] = make([]float64, dim)
		copy(centroids[c], vectors[chosen])
	}
	return centroids
}

func (km *KMeans) assign(vectors [][]float64) float64 {
	inertia := 0.0
	for i, v := range vectors {
		minDist := math.MaxFloat64
		minIdx := 0
		for c, centroid := range km.Centroids {
			if d := sqDist(v, centroid); d < minDist {
				minDist = d
				minIdx = c
			}
		}
		km.Labels[i] = minIdx
		inertia += minDist
	}
	return inertia
}

func (km *KMeans) update(vectors [][]float64, dim int, rng *rand.Rand) {
	sums := make([][]float64, km.K)
	counts := make([]int, km.K)
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	for i, v := range vectors {
		floats.Add(sums[km.Labels[i]], v)
		counts[km.Labels[i]]++
	}

	for c := range sums {
		if counts[c] == 0 {
			// Empty cluster: reseed from a random vector so K stays fixed.
			copy(sums[c], vectors[rng.Intn(len(vectors))])
			continue
		}
		floats.Scale(1/float64(counts[c]), sums[c])
	}
	km.Centroids = sums
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}
