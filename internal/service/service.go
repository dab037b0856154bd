// Package service implements the retrieval service behind the transport
// layer: corpus build (quantize, cluster, derive per-cluster databases) and
// the two operations every database exposes, parameter/hint fetch and
// query answering.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/0xWOLAND/tiptoe/internal/store"
	"github.com/0xWOLAND/tiptoe/pkg/api"
	"github.com/0xWOLAND/tiptoe/pkg/cluster"
	"github.com/0xWOLAND/tiptoe/pkg/embeddings"
	"github.com/0xWOLAND/tiptoe/pkg/lwe"
	"github.com/0xWOLAND/tiptoe/pkg/matrix"
	"github.com/0xWOLAND/tiptoe/pkg/payload"
	"github.com/0xWOLAND/tiptoe/pkg/pir"
)

// CorpusDB is the name of the main corpus database; per-cluster membership
// databases are named by ClusterDBName.
const CorpusDB = "corpus"

// ClusterDBName returns the database name for one cluster's members.
func ClusterDBName(id int) string {
	return fmt.Sprintf("cluster-%d", id)
}

// ClusterTextDBName returns the database name for one cluster's document
// text payloads.
func ClusterTextDBName(id int) string {
	return fmt.Sprintf("cluster-%d-text", id)
}

// Config holds service configuration.
type Config struct {
	// Metric used for clustering, routing, and ranking. Must stay fixed for
	// the lifetime of the corpus. Under Cosine, Build normalizes every
	// vector to unit length so Euclidean k-means orders clusters the same
	// way cosine routing does.
	Metric cluster.Metric

	// NumClusters is the k-means cluster count. 0 means ceil(sqrt(n)).
	NumClusters int

	// ClusterInits is the number of k-means initializations; the best
	// inertia wins. 0 means 1.
	ClusterInits int

	// MasterSeed derives every database's public-matrix seed. Public.
	MasterSeed []byte

	// SecretDim overrides the LWE secret dimension. 0 means the default
	// production dimension; tests shrink it to keep hints small.
	SecretDim uint64

	// ClusterSeed makes k-means initialization reproducible.
	ClusterSeed int64
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Metric:       cluster.Euclidean,
		ClusterInits: 4,
		MasterSeed:   []byte("tiptoe-public-matrix-seed"),
		ClusterSeed:  42,
	}
}

// Service owns the corpus and its retrieval databases. Documents are added,
// then Build derives the epoch's databases; Build may be called again after
// more Adds, producing a new epoch for every database.
type Service struct {
	cfg Config
	reg store.Store
	log logrus.FieldLogger

	mu        sync.RWMutex
	ids       []string
	vectors   [][]float64
	texts     []string // parallel to ids; empty when the corpus has no text
	dimension int

	built      bool
	params     *lwe.Params // corpus-wide plaintext modulus and secret dim
	centroids  [][]float64
	clusters   []api.ClusterInfo
	lastEpochs map[string]uint64
}

// New creates a service over the given registry.
func New(cfg Config, reg store.Store, log logrus.FieldLogger) *Service {
	if cfg.Metric == "" {
		cfg.Metric = cluster.Euclidean
	}
	if len(cfg.MasterSeed) == 0 {
		cfg.MasterSeed = DefaultConfig().MasterSeed
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		cfg:        cfg,
		reg:        reg,
		log:        log,
		lastEpochs: make(map[string]uint64),
	}
}

// Add appends documents to the corpus. Takes effect at the next Build.
func (s *Service) Add(ids []string, vectors [][]float64) error {
	return s.AddDocuments(ids, vectors, nil)
}

// AddDocuments appends documents together with their text, which Build
// packs into companion payload databases so search results can privately
// carry the matched text. texts may be nil for embedding-only corpora.
func (s *Service) AddDocuments(ids []string, vectors [][]float64, texts []string) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("service: %d ids for %d vectors", len(ids), len(vectors))
	}
	if texts != nil && len(texts) != len(ids) {
		return fmt.Errorf("service: %d texts for %d ids", len(texts), len(ids))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range vectors {
		if s.dimension == 0 {
			s.dimension = len(v)
		}
		if len(v) != s.dimension {
			return fmt.Errorf("service: vector %q has dimension %d, corpus has %d",
				ids[i], len(v), s.dimension)
		}
	}
	s.ids = append(s.ids, ids...)
	s.vectors = append(s.vectors, vectors...)
	if texts == nil {
		texts = make([]string, len(ids))
	}
	s.texts = append(s.texts, texts...)
	return nil
}

// Build clusters the corpus and replaces every retrieval database in one
// step. Each database gets a new, monotonically increasing epoch; clients
// holding hints from the previous epoch detect the change on their next
// answer and refetch.
func (s *Service) Build(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.vectors)
	if n == 0 {
		return fmt.Errorf("service: no documents to build from")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params, err := lwe.NewParams(uint64(n))
	if err != nil {
		return fmt.Errorf("service: corpus of %d documents: %w", n, err)
	}
	if s.cfg.SecretDim != 0 {
		params.N = s.cfg.SecretDim
	}
	quant, err := embeddings.NewQuantizer(params.P)
	if err != nil {
		return err
	}

	// Cosine routing compares directions only, but k-means optimizes
	// squared Euclidean distance; on unit vectors the two agree, so the
	// corpus is normalized before clustering and storage.
	vecs := s.vectors
	if s.cfg.Metric == cluster.Cosine {
		vecs = normalized(vecs)
	}

	k := s.cfg.NumClusters
	if k <= 0 {
		k = cluster.DefaultK(n)
	}
	if k > n {
		k = n
	}

	km := cluster.NewKMeans(cluster.Config{K: k, Seed: s.cfg.ClusterSeed, NumInit: s.cfg.ClusterInits})
	if err := km.Fit(vecs); err != nil {
		return fmt.Errorf("service: clustering corpus: %w", err)
	}

	quantized := make([][]uint64, n)
	for i, v := range vecs {
		quantized[i] = quant.Quantize(v)
	}

	servers := make(map[string]*pir.Server)
	epochs := make(map[string]uint64)

	build := func(name string, records [][]uint64) (*pir.Server, error) {
		p := lwe.NewParamsFixedP(uint64(len(records)), params.P)
		p.N = params.N
		db, err := pir.NewDatabase(p, records)
		if err != nil {
			return nil, fmt.Errorf("service: building %s: %w", name, err)
		}
		epoch := s.lastEpochs[name] + 1
		srv, err := pir.NewServerAtEpoch(db, pir.DeriveSeed(s.cfg.MasterSeed, name), epoch)
		if err != nil {
			return nil, fmt.Errorf("service: setting up %s: %w", name, err)
		}
		epochs[name] = epoch
		return srv, nil
	}

	corpus, err := build(CorpusDB, quantized)
	if err != nil {
		return err
	}
	servers[CorpusDB] = corpus

	hasText := false
	for _, t := range s.texts {
		if t != "" {
			hasText = true
			break
		}
	}
	var codec *payload.Codec
	if hasText {
		if codec, err = payload.NewCodec(params.P); err != nil {
			return err
		}
	}

	// Empty clusters carry no database; they are dropped from the table
	// and the survivors renumbered so ids stay dense.
	var centroids [][]float64
	var infos []api.ClusterInfo
	for c, members := range km.Members() {
		if len(members) == 0 {
			continue
		}
		id := len(infos)
		name := ClusterDBName(id)

		records := make([][]uint64, len(members))
		memberIDs := make([]string, len(members))
		for i, m := range members {
			records[i] = quantized[m]
			memberIDs[i] = s.ids[m]
		}

		srv, err := build(name, records)
		if err != nil {
			return err
		}
		servers[name] = srv
		info := api.ClusterInfo{ID: id, DBName: name, Epoch: srv.Epoch(), MemberIDs: memberIDs}

		if hasText {
			textName := ClusterTextDBName(id)
			textRecords, err := s.encodeTexts(codec, members)
			if err != nil {
				return err
			}
			textSrv, err := build(textName, textRecords)
			if err != nil {
				return err
			}
			servers[textName] = textSrv
			info.TextDBName = textName
			info.TextEpoch = textSrv.Epoch()
		}

		centroids = append(centroids, km.Centroids[c])
		infos = append(infos, info)
	}

	s.reg.ReplaceAll(servers)
	for name, e := range epochs {
		s.lastEpochs[name] = e
	}
	s.params = params
	s.centroids = centroids
	s.clusters = infos
	s.built = true

	s.log.WithFields(logrus.Fields{
		"documents": n,
		"clusters":  len(infos),
		"p":         params.P,
		"secretDim": params.N,
	}).Info("corpus built")
	return nil
}

// encodeTexts packs the given members' document text into equal-length
// payload records. Caller holds s.mu.
func (s *Service) encodeTexts(codec *payload.Codec, members []int) ([][]uint64, error) {
	records := make([][]uint64, len(members))
	maxLen := 0
	for i, m := range members {
		rec, err := codec.Encode(s.texts[m])
		if err != nil {
			return nil, fmt.Errorf("service: encoding text of %q: %w", s.ids[m], err)
		}
		records[i] = rec
		if len(rec) > maxLen {
			maxLen = len(rec)
		}
	}
	for i, rec := range records {
		if len(rec) < maxLen {
			padded := make([]uint64, maxLen)
			copy(padded, rec)
			records[i] = padded
		}
	}
	return records, nil
}

// normalized returns unit-length copies of the vectors; zero vectors pass
// through unchanged.
func normalized(vectors [][]float64) [][]float64 {
	out := make([][]float64, len(vectors))
	for i, v := range vectors {
		c := append([]float64(nil), v...)
		if n := floats.Norm(c, 2); n > 0 {
			floats.Scale(1/n, c)
		}
		out[i] = c
	}
	return out
}

// Params serves one database's public parameters and hint.
func (s *Service) Params(name string) (*api.ParamsResponse, error) {
	srv, err := s.reg.Get(name)
	if err != nil {
		return nil, err
	}

	// One atomic snapshot: database, hint, and epoch must not straddle a
	// concurrent refresh.
	db, hint, epoch := srv.Snapshot()
	return &api.ParamsResponse{
		Seed:       srv.Seed(),
		NumRecords: db.NumRecords(),
		RecordLen:  db.RecordLen(),
		SecretDim:  db.Params.N,
		LogQ:       db.Params.LogQ,
		P:          db.Params.P,
		Delta:      db.Params.Delta(),
		Sigma:      db.Params.Sigma,
		Epoch:      epoch,
		Hint:       api.FromMatrix(hint),
	}, nil
}

// Answer computes one database's answer to a query ciphertext. The server
// always answers against its current epoch and reports that epoch, so a
// client whose parameters have gone stale finds out before decoding.
func (s *Service) Answer(name string, req *api.QueryRequest) (*api.QueryResponse, error) {
	srv, err := s.reg.Get(name)
	if err != nil {
		return nil, err
	}

	ct := matrix.FromData(uint64(len(req.Ciphertext)), 1, req.Ciphertext)
	ans, epoch, err := srv.Answer(ct)
	if err != nil {
		return nil, err
	}

	if !req.Epoch.IsZero() && req.Epoch != epoch {
		s.log.WithFields(logrus.Fields{
			"db":          name,
			"clientEpoch": req.Epoch.ID,
			"epoch":       epoch.ID,
		}).Debug("answering client with stale epoch")
	}

	return &api.QueryResponse{
		Answer: ans.Data,
		Epoch:  epoch,
	}, nil
}

// Centroids serves the plaintext routing table.
func (s *Service) Centroids() (*api.CentroidsResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.built {
		return nil, fmt.Errorf("service: corpus not built")
	}

	return &api.CentroidsResponse{
		Metric:    string(s.cfg.Metric),
		Dimension: s.dimension,
		P:         s.params.P,
		Centroids: s.centroids,
		Clusters:  s.clusters,
	}, nil
}

// Metric returns the corpus metric.
func (s *Service) Metric() cluster.Metric {
	return s.cfg.Metric
}
