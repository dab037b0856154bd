// Package search composes the retrieval engine into private semantic
// nearest-neighbor search.
//
// A query runs in four steps: embed the text (external provider), pick the
// nearest centroid against the local plaintext table, privately fetch every
// member row of that cluster's database, and rank the decoded candidates
// locally. The chosen cluster id never leaves the process, and the member
// fetches are LWE ciphertexts, so the server learns neither the cluster nor
// the match.
package search

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/0xWOLAND/tiptoe/pkg/api"
	"github.com/0xWOLAND/tiptoe/pkg/cluster"
	"github.com/0xWOLAND/tiptoe/pkg/embeddings"
	"github.com/0xWOLAND/tiptoe/pkg/payload"
	"github.com/0xWOLAND/tiptoe/pkg/pir"
)

// Retriever privately fetches records from named retrieval databases.
// Implemented by pkg/client over HTTP and by the in-process facade.
type Retriever interface {
	Centroids(ctx context.Context) (*api.CentroidsResponse, error)
	Fetch(ctx context.Context, db string, index uint64) ([]uint64, error)
	// Epoch reports a database's epoch as the retriever last observed it;
	// after a successful Fetch that is the epoch the row came from.
	Epoch(ctx context.Context, db string) (pir.Epoch, error)
}

// Embedder turns text into an embedding vector.
// Implemented by embeddings.Client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Result is one ranked candidate. Text is populated when the corpus carries
// document text databases.
type Result struct {
	ID        string
	Distance  float64
	Embedding []float64
	Text      string
}

// Config holds orchestrator configuration.
type Config struct {
	// Concurrency bounds parallel member fetches. Each in-flight fetch
	// carries its own secret and noise. Default 4.
	Concurrency int
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{Concurrency: 4}
}

// routeAttempts bounds how many times one query re-routes after catching
// the centroid table mid-rebuild.
const routeAttempts = 3

// table is one build's routing state. Every snapshot pairs the centroid
// index with the cluster membership and quantization parameters of the same
// build, so routing never mixes builds.
type table struct {
	index    *cluster.Index
	metric   cluster.Metric
	clusters []api.ClusterInfo
	quant    *embeddings.Quantizer
	codec    *payload.Codec // nil when the corpus carries no text
}

// Searcher runs private nearest-neighbor queries against one deployment.
// The centroid table is fetched at construction and refreshed whenever a
// query observes that the server has moved to a newer build.
type Searcher struct {
	retriever   Retriever
	embedder    Embedder
	concurrency int

	mu  sync.RWMutex
	tab *table
}

// New builds a searcher, fetching the centroid table from the retriever.
func New(ctx context.Context, retriever Retriever, embedder Embedder, cfg Config) (*Searcher, error) {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	s := &Searcher{
		retriever:   retriever,
		embedder:    embedder,
		concurrency: concurrency,
	}
	tab, err := s.loadTable(ctx)
	if err != nil {
		return nil, err
	}
	s.tab = tab
	return s, nil
}

func (s *Searcher) loadTable(ctx context.Context) (*table, error) {
	resp, err := s.retriever.Centroids(ctx)
	if err != nil {
		return nil, fmt.Errorf("search: fetching centroid table: %w", err)
	}

	metric, err := cluster.ParseMetric(resp.Metric)
	if err != nil {
		return nil, err
	}
	index, err := cluster.NewIndex(metric, resp.Centroids)
	if err != nil {
		return nil, err
	}
	quant, err := embeddings.NewQuantizer(resp.P)
	if err != nil {
		return nil, err
	}

	var codec *payload.Codec
	for _, info := range resp.Clusters {
		if info.TextDBName != "" {
			if codec, err = payload.NewCodec(resp.P); err != nil {
				return nil, err
			}
			break
		}
	}

	return &table{
		index:    index,
		metric:   metric,
		clusters: resp.Clusters,
		quant:    quant,
		codec:    codec,
	}, nil
}

func (s *Searcher) currentTable() *table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tab
}

func (s *Searcher) refreshTable(ctx context.Context) error {
	tab, err := s.loadTable(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tab = tab
	s.mu.Unlock()
	return nil
}

// Search embeds the query text and returns the top-k nearest documents.
func (s *Searcher) Search(ctx context.Context, text string, k int) ([]Result, error) {
	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("search: embedding query: %w", err)
	}
	return s.SearchVector(ctx, embedding, k)
}

// SearchVector runs the private search for an already-embedded query.
//
// Any decode failure aborts the whole query: a single wrong candidate could
// silently rank incorrectly, so no partial or degraded top-k is ever
// returned. Cancellation likewise discards all partial state.
//
// Rows are only ever paired with the member ids of the build they were
// fetched from: after the fetches, the round verifies the databases still
// sit at the epochs the routing table recorded, and re-routes against a
// fresh table if the corpus was rebuilt mid-query.
func (s *Searcher) SearchVector(ctx context.Context, embedding []float64, k int) ([]Result, error) {
	if k <= 0 {
		return nil, fmt.Errorf("search: k must be positive, got %d", k)
	}

	for attempt := 0; attempt < routeAttempts; attempt++ {
		tab := s.currentTable()

		// Cluster selection is purely local; the id is never transmitted.
		clusterID, err := tab.index.Nearest(embedding)
		if err != nil {
			return nil, err
		}
		info := tab.clusters[clusterID]

		results, err := s.searchCluster(ctx, tab, info, embedding, k)
		if err != nil {
			return nil, err
		}
		if results != nil {
			return results, nil
		}

		// The corpus was rebuilt under this round; the rows cannot be
		// trusted to line up with the table's member ids. Re-route.
		if err := s.refreshTable(ctx); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("search: corpus kept rebuilding across %d routing attempts", routeAttempts)
}

// searchCluster runs one full round against a cluster. A nil, nil return
// means the round observed a newer epoch and must be re-routed.
func (s *Searcher) searchCluster(ctx context.Context, tab *table, info api.ClusterInfo, embedding []float64, k int) ([]Result, error) {
	rows := make([][]uint64, len(info.MemberIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range info.MemberIDs {
		g.Go(func() error {
			rec, err := s.retriever.Fetch(gctx, info.DBName, uint64(i))
			if err != nil {
				return err
			}
			rows[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("search: fetching cluster members: %w", err)
	}

	results := make([]Result, len(rows))
	positions := make([]int, len(rows))
	for i, row := range rows {
		vec := tab.quant.Dequantize(row)
		results[i] = Result{
			ID:        info.MemberIDs[i],
			Distance:  tab.metric.Distance(embedding, vec),
			Embedding: vec,
		}
		positions[i] = i
	}

	// Deterministic order: distance, then member position.
	sort.SliceStable(positions, func(a, b int) bool {
		return results[positions[a]].Distance < results[positions[b]].Distance
	})
	if k < len(positions) {
		positions = positions[:k]
	}

	top := make([]Result, len(positions))
	for i, pos := range positions {
		top[i] = results[pos]
	}

	if info.TextDBName != "" {
		if err := s.fetchTexts(ctx, tab, info, positions, top); err != nil {
			return nil, err
		}
	}

	fresh, err := s.tableFresh(ctx, info)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, nil
	}
	return top, nil
}

// fetchTexts privately retrieves and decodes the document text for the
// already-ranked top results.
func (s *Searcher) fetchTexts(ctx context.Context, tab *table, info api.ClusterInfo, positions []int, top []Result) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, pos := range positions {
		g.Go(func() error {
			rec, err := s.retriever.Fetch(gctx, info.TextDBName, uint64(pos))
			if err != nil {
				return err
			}
			text, err := tab.codec.Decode(rec)
			if err != nil {
				return err
			}
			top[i].Text = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("search: fetching document text: %w", err)
	}
	return nil
}

// tableFresh reports whether the cluster's databases still sit at the
// epochs the routing table was built from. Fetches leave the retriever's
// view at the epoch the rows came from, so a mismatch means some row
// belongs to a newer build than the table's member ids.
func (s *Searcher) tableFresh(ctx context.Context, info api.ClusterInfo) (bool, error) {
	epoch, err := s.retriever.Epoch(ctx, info.DBName)
	if err != nil {
		return false, err
	}
	if epoch != info.Epoch {
		return false, nil
	}
	if info.TextDBName != "" {
		textEpoch, err := s.retriever.Epoch(ctx, info.TextDBName)
		if err != nil {
			return false, err
		}
		if textEpoch != info.TextEpoch {
			return false, nil
		}
	}
	return true, nil
}

// Metric returns the ranking metric in use.
func (s *Searcher) Metric() cluster.Metric {
	return s.currentTable().metric
}
