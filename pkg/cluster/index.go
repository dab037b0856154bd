package cluster

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Metric selects the distance used for routing and ranking. It must match
// the metric the corpus was clustered under.
type Metric string

const (
	Euclidean Metric = "euclidean"
	Cosine    Metric = "cosine"
)

// ParseMetric validates a metric name from configuration or the wire.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case Euclidean, Cosine:
		return Metric(s), nil
	}
	return "", fmt.Errorf("cluster: unknown metric %q", s)
}

// Distance returns the metric's distance between two vectors. For Cosine
// this is 1 - cosine similarity, so smaller is closer under both metrics.
func (m Metric) Distance(a, b []float64) float64 {
	switch m {
	case Cosine:
		na := floats.Norm(a, 2)
		nb := floats.Norm(b, 2)
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - floats.Dot(a, b)/(na*nb)
	default:
		return floats.Distance(a, b, 2)
	}
}

// Index is the client-held plaintext centroid table. It is small, fetched
// once, and immutable until the next reclustering epoch. Lookups never
// leave the client; the cluster id chosen here is never transmitted.
type Index struct {
	metric    Metric
	centroids [][]float64
}

// NewIndex builds an index over a centroid table.
func NewIndex(metric Metric, centroids [][]float64) (*Index, error) {
	if len(centroids) == 0 {
		return nil, fmt.Errorf("cluster: empty centroid table")
	}
	dim := len(centroids[0])
	for i, c := range centroids {
		if len(c) != dim {
			return nil, fmt.Errorf("cluster: centroid %d has dimension %d, want %d", i, len(c), dim)
		}
	}
	return &Index{metric: metric, centroids: centroids}, nil
}

// Len returns the number of centroids.
func (ix *Index) Len() int { return len(ix.centroids) }

// Metric returns the routing metric.
func (ix *Index) Metric() Metric { return ix.metric }

// Nearest returns the id of the centroid closest to v. Deterministic:
// ties break toward the lowest cluster id.
func (ix *Index) Nearest(v []float64) (int, error) {
	if len(v) != len(ix.centroids[0]) {
		return 0, fmt.Errorf("cluster: query dimension %d, centroids have %d", len(v), len(ix.centroids[0]))
	}

	best := 0
	bestDist := math.MaxFloat64
	for id, c := range ix.centroids {
		if d := ix.metric.Distance(v, c); d < bestDist {
			bestDist = d
			best = id
		}
	}
	return best, nil
}
