// Package tiptoe provides private semantic search over document embeddings.
//
// A client embeds a free-text query locally, routes it to the nearest
// cluster of candidate documents against a plaintext centroid table, fetches
// that cluster's members through lattice-based private information
// retrieval, and ranks the candidates locally. The server answers every
// fetch without learning which record, cluster, or document the query was
// about.
//
// # Quick Start
//
//	db, err := tiptoe.NewDB(tiptoe.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Add document embeddings
//	db.Add("doc-1", vector1)
//	db.Add("doc-2", vector2)
//
//	// Build the index (k-means clustering + per-cluster retrieval databases)
//	if err := db.Build(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Search
//	results, err := db.SearchVector(ctx, queryVector, 10)
//
// # Lifecycle
//
// The DB follows a three-phase lifecycle:
//  1. Add embeddings with [DB.Add] or [DB.AddBatch]
//  2. Build the index with [DB.Build] (clustering + hint computation)
//  3. Search with [DB.Search] or [DB.SearchVector] (safe for concurrent use)
//
// Build may be called again after further Adds; every retrieval database
// then moves to a new epoch and searchers refresh their cached state.
//
// The in-process DB exercises the same engine code paths as the networked
// deployment (cmd/pir-server with pkg/client); only the transport differs.
package tiptoe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/0xWOLAND/tiptoe/internal/service"
	"github.com/0xWOLAND/tiptoe/internal/store"
	"github.com/0xWOLAND/tiptoe/pkg/api"
	"github.com/0xWOLAND/tiptoe/pkg/cluster"
	"github.com/0xWOLAND/tiptoe/pkg/matrix"
	"github.com/0xWOLAND/tiptoe/pkg/pir"
	"github.com/0xWOLAND/tiptoe/pkg/search"
)

// Config controls the behavior of a [DB] instance. The zero value is usable.
type Config struct {
	// Metric is the distance used for clustering, routing, and ranking.
	// Default: Euclidean.
	Metric cluster.Metric

	// NumClusters is the k-means cluster count. 0 means ceil(sqrt(n)).
	NumClusters int

	// Embedder turns query text into vectors for [DB.Search]. Optional;
	// [DB.SearchVector] works without it.
	Embedder search.Embedder

	// SecretDim overrides the LWE secret dimension. 0 means the production
	// default; tests shrink it.
	SecretDim uint64

	// Logger receives build and query logs. Default: logrus standard logger.
	Logger logrus.FieldLogger
}

// DB is an in-process private search database.
type DB struct {
	cfg Config
	svc *service.Service
	ret *localRetriever

	mu       sync.RWMutex
	searcher *search.Searcher
}

// NewDB creates an empty DB.
func NewDB(cfg Config) (*DB, error) {
	if cfg.Metric == "" {
		cfg.Metric = cluster.Euclidean
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	svcCfg := service.DefaultConfig()
	svcCfg.Metric = cfg.Metric
	svcCfg.NumClusters = cfg.NumClusters
	svcCfg.SecretDim = cfg.SecretDim

	svc := service.New(svcCfg, store.NewMemoryStore(), cfg.Logger)
	return &DB{
		cfg: cfg,
		svc: svc,
		ret: newLocalRetriever(svc),
	}, nil
}

// Add registers one document embedding. Takes effect at the next Build.
func (db *DB) Add(id string, vector []float64) error {
	return db.svc.Add([]string{id}, [][]float64{vector})
}

// AddDocument registers one document embedding together with its text.
// Corpora built with text serve it back through search results, fetched
// through the same private retrieval rounds as the embeddings.
func (db *DB) AddDocument(id string, vector []float64, text string) error {
	return db.svc.AddDocuments([]string{id}, [][]float64{vector}, []string{text})
}

// AddBatch registers multiple document embeddings.
func (db *DB) AddBatch(ids []string, vectors [][]float64) error {
	return db.svc.Add(ids, vectors)
}

// Build clusters the corpus and derives every retrieval database. Expensive;
// call once after adding documents, and again only to fold in later Adds.
func (db *DB) Build(ctx context.Context) error {
	if err := db.svc.Build(ctx); err != nil {
		return err
	}
	db.ret.reset()

	searcher, err := search.New(ctx, db.ret, db.cfg.Embedder, search.Config{})
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.searcher = searcher
	db.mu.Unlock()
	return nil
}

// Search embeds the query text and returns the top-k nearest documents.
// Requires Config.Embedder.
func (db *DB) Search(ctx context.Context, text string, k int) ([]search.Result, error) {
	if db.cfg.Embedder == nil {
		return nil, fmt.Errorf("tiptoe: no embedder configured; use SearchVector")
	}
	s, err := db.currentSearcher()
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, text, k)
}

// SearchVector returns the top-k nearest documents for an embedding.
func (db *DB) SearchVector(ctx context.Context, vector []float64, k int) ([]search.Result, error) {
	s, err := db.currentSearcher()
	if err != nil {
		return nil, err
	}
	return s.SearchVector(ctx, vector, k)
}

func (db *DB) currentSearcher() (*search.Searcher, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.searcher == nil {
		return nil, fmt.Errorf("tiptoe: index not built; call Build first")
	}
	return db.searcher, nil
}

// localRetriever runs the retrieval protocol in-process: the same
// query/answer/decode round as the HTTP client, minus the wire.
type localRetriever struct {
	svc *service.Service

	mu  sync.Mutex
	dbs map[string]*pir.Client
}

func newLocalRetriever(svc *service.Service) *localRetriever {
	return &localRetriever{svc: svc, dbs: make(map[string]*pir.Client)}
}

func (l *localRetriever) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dbs = make(map[string]*pir.Client)
}

func (l *localRetriever) Centroids(ctx context.Context) (*api.CentroidsResponse, error) {
	return l.svc.Centroids()
}

func (l *localRetriever) Fetch(ctx context.Context, db string, index uint64) ([]uint64, error) {
	return l.fetch(ctx, db, index, false)
}

func (l *localRetriever) Epoch(ctx context.Context, db string) (pir.Epoch, error) {
	pc, err := l.dbClient(db)
	if err != nil {
		return pir.Epoch{}, err
	}
	return pc.Epoch(), nil
}

func (l *localRetriever) fetch(ctx context.Context, db string, index uint64, retried bool) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc, err := l.dbClient(db)
	if err != nil {
		return nil, err
	}

	secret, query, err := pc.Query(index)
	if err != nil {
		return nil, err
	}

	resp, err := l.svc.Answer(db, &api.QueryRequest{Ciphertext: query.Data, Epoch: pc.Epoch()})
	if err != nil {
		return nil, err
	}

	record, err := pc.Recover(secret, matrix.FromData(uint64(len(resp.Answer)), 1, resp.Answer), resp.Epoch)
	if errors.Is(err, pir.ErrEpochStale) && !retried {
		// The database was rebuilt under our feet; refetch parameters and
		// run a fresh round with new randomness.
		l.invalidate(db)
		return l.fetch(ctx, db, index, true)
	}
	return record, err
}

func (l *localRetriever) dbClient(db string) (*pir.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pc, ok := l.dbs[db]; ok {
		return pc, nil
	}

	params, err := l.svc.Params(db)
	if err != nil {
		return nil, err
	}
	hint, ok := params.Hint.ToMatrix()
	if !ok {
		return nil, fmt.Errorf("tiptoe: hint payload shape mismatch: %w", pir.ErrDimensionMismatch)
	}

	pc, err := pir.NewClient(params.LWEParams(), params.Seed, hint, params.Epoch, params.NumRecords, nil)
	if err != nil {
		return nil, err
	}
	l.dbs[db] = pc
	return pc, nil
}

func (l *localRetriever) invalidate(db string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.dbs, db)
}
