package search

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/0xWOLAND/tiptoe/internal/service"
	"github.com/0xWOLAND/tiptoe/internal/store"
	"github.com/0xWOLAND/tiptoe/pkg/api"
	"github.com/0xWOLAND/tiptoe/pkg/client"
	"github.com/0xWOLAND/tiptoe/pkg/cluster"
	"github.com/0xWOLAND/tiptoe/pkg/embeddings"
	"github.com/0xWOLAND/tiptoe/pkg/pir"
	"github.com/0xWOLAND/tiptoe/pkg/server"
)

// blobCorpus places documents around three separated centers inside the
// quantizable range [-1, 1]. Within a blob the documents sit 0.01 apart per
// coordinate, far above the quantization error, so rankings have no
// near-ties.
func blobCorpus() ([]string, [][]float64) {
	centers := [][]float64{
		{-0.8, -0.8},
		{0.8, 0.8},
		{0.8, -0.8},
	}
	ids := make([]string, 24)
	vectors := make([][]float64, 24)
	for i := range vectors {
		c := centers[i%len(centers)]
		offset := 0.01 * float64(i/len(centers))
		ids[i] = fmt.Sprintf("doc-%d", i)
		vectors[i] = []float64{c[0] + offset, c[1] + offset}
	}
	return ids, vectors
}

func searchFixture(t *testing.T) (*Searcher, []string, [][]float64) {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := service.DefaultConfig()
	cfg.NumClusters = 3
	cfg.SecretDim = 64
	svc := service.New(cfg, store.NewMemoryStore(), log)

	ids, vectors := blobCorpus()
	require.NoError(t, svc.Add(ids, vectors))
	require.NoError(t, svc.Build(context.Background()))

	srv := httptest.NewServer(server.New(server.DefaultConfig(), svc, log))
	t.Cleanup(srv.Close)

	ccfg := client.DefaultConfig()
	ccfg.BaseURL = srv.URL
	retriever := client.New(ccfg, log)

	s, err := New(context.Background(), retriever, nil, Config{Concurrency: 2})
	require.NoError(t, err)
	return s, ids, vectors
}

// bruteNearest ranks the full corpus directly, without clustering or
// quantization.
func bruteNearest(metric cluster.Metric, query []float64, ids []string, vectors [][]float64) string {
	best := 0
	bestDist := metric.Distance(query, vectors[0])
	for i := 1; i < len(vectors); i++ {
		if d := metric.Distance(query, vectors[i]); d < bestDist {
			bestDist = d
			best = i
		}
	}
	return ids[best]
}

func TestSearchVectorMatchesBruteForce(t *testing.T) {
	s, ids, vectors := searchFixture(t)

	// One query per blob, sitting exactly on a document; the brute-force
	// winner is that document by a wide margin.
	for _, query := range [][]float64{vectors[0], vectors[1], vectors[2]} {
		results, err := s.SearchVector(context.Background(), query, 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.Equal(t, bruteNearest(s.Metric(), query, ids, vectors), results[0].ID)
	}
}

func TestSearchVectorRanking(t *testing.T) {
	s, _, _ := searchFixture(t)

	results, err := s.SearchVector(context.Background(), []float64{0.8, 0.8}, 5)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i := 1; i < len(results); i++ {
		require.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}
}

func TestSearchVectorRejectsBadK(t *testing.T) {
	s, _, _ := searchFixture(t)

	_, err := s.SearchVector(context.Background(), []float64{0, 0}, 0)
	require.Error(t, err)
}

// fakeRetriever serves a fixed centroid table and rows from memory, and can
// fail a chosen fetch. Swapping table, rows, and epochs together simulates a
// server-side rebuild happening underneath a live searcher.
type fakeRetriever struct {
	table         *api.CentroidsResponse
	rows          map[string][][]uint64
	epochs        map[string]pir.Epoch
	failDB        string
	failIdx       uint64
	failErr       error
	centroidCalls int
}

func (f *fakeRetriever) Centroids(ctx context.Context) (*api.CentroidsResponse, error) {
	f.centroidCalls++
	return f.table, nil
}

func (f *fakeRetriever) Fetch(ctx context.Context, db string, index uint64) ([]uint64, error) {
	if f.failErr != nil && db == f.failDB && index == f.failIdx {
		return nil, f.failErr
	}
	rows, ok := f.rows[db]
	if !ok || index >= uint64(len(rows)) {
		return nil, fmt.Errorf("fake: no row %s[%d]", db, index)
	}
	return rows[index], nil
}

func (f *fakeRetriever) Epoch(ctx context.Context, db string) (pir.Epoch, error) {
	e, ok := f.epochs[db]
	if !ok {
		return pir.Epoch{}, fmt.Errorf("fake: no epoch for %s", db)
	}
	return e, nil
}

type fixedEmbedder struct {
	vectors map[string][]float64
}

func (e *fixedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	v, ok := e.vectors[text]
	if !ok {
		return nil, fmt.Errorf("fake: no embedding for %q", text)
	}
	return v, nil
}

func fakeSetup(t *testing.T) *fakeRetriever {
	t.Helper()
	quant, err := embeddings.NewQuantizer(991)
	require.NoError(t, err)

	docs := [][]float64{
		{0.1, 0.1},
		{0.3, 0.3},
		{0.9, 0.9},
	}
	rows := make([][]uint64, len(docs))
	for i, d := range docs {
		rows[i] = quant.Quantize(d)
	}

	epoch := pir.Epoch{ID: 1, Digest: "fake-1"}
	return &fakeRetriever{
		table: &api.CentroidsResponse{
			Metric:    string(cluster.Euclidean),
			Dimension: 2,
			P:         991,
			Centroids: [][]float64{{0.4, 0.4}},
			Clusters: []api.ClusterInfo{
				{ID: 0, DBName: "cluster-0", Epoch: epoch, MemberIDs: []string{"a", "b", "c"}},
			},
		},
		rows:   map[string][][]uint64{"cluster-0": rows},
		epochs: map[string]pir.Epoch{"cluster-0": epoch},
	}
}

func TestSearchVectorAbortsOnFetchFailure(t *testing.T) {
	ret := fakeSetup(t)
	ret.failDB = "cluster-0"
	ret.failIdx = 1
	ret.failErr = fmt.Errorf("synthetic fetch failure")

	s, err := New(context.Background(), ret, nil, Config{})
	require.NoError(t, err)

	_, err = s.SearchVector(context.Background(), []float64{0.2, 0.2}, 3)
	require.ErrorContains(t, err, "synthetic fetch failure")
}

func TestSearchEmbedsQueryText(t *testing.T) {
	ret := fakeSetup(t)
	embedder := &fixedEmbedder{vectors: map[string][]float64{
		"near the origin": {0.1, 0.12},
	}}

	s, err := New(context.Background(), ret, embedder, Config{})
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "near the origin", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].ID)
	require.Equal(t, "b", results[1].ID)

	_, err = s.Search(context.Background(), "unknown text", 1)
	require.Error(t, err)
}

func TestSearchVectorTruncatesToK(t *testing.T) {
	ret := fakeSetup(t)
	s, err := New(context.Background(), ret, nil, Config{})
	require.NoError(t, err)

	results, err := s.SearchVector(context.Background(), []float64{0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
}

func TestSearchVectorReroutesAfterRebuild(t *testing.T) {
	ret := fakeSetup(t)
	s, err := New(context.Background(), ret, nil, Config{})
	require.NoError(t, err)

	// Rebuild the corpus underneath the live searcher: cluster-0 now
	// denotes a different set of documents at a newer epoch.
	quant, err := embeddings.NewQuantizer(991)
	require.NoError(t, err)
	newDocs := [][]float64{
		{0.9, 0.9},
		{0.5, 0.5},
		{0.2, 0.2},
	}
	newRows := make([][]uint64, len(newDocs))
	for i, d := range newDocs {
		newRows[i] = quant.Quantize(d)
	}
	epoch2 := pir.Epoch{ID: 2, Digest: "fake-2"}
	ret.table = &api.CentroidsResponse{
		Metric:    string(cluster.Euclidean),
		Dimension: 2,
		P:         991,
		Centroids: [][]float64{{0.5, 0.5}},
		Clusters: []api.ClusterInfo{
			{ID: 0, DBName: "cluster-0", Epoch: epoch2, MemberIDs: []string{"x", "y", "z"}},
		},
	}
	ret.rows = map[string][][]uint64{"cluster-0": newRows}
	ret.epochs = map[string]pir.Epoch{"cluster-0": epoch2}

	// The round fetches rows from the rebuilt database; pairing them with
	// the old table's ids would return documents that exist in neither
	// build. The epoch check must force a re-route against the new table.
	results, err := s.SearchVector(context.Background(), []float64{0.2, 0.2}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "z", results[0].ID)
	require.Equal(t, 2, ret.centroidCalls, "expected one refetch of the centroid table")
}

func TestSearchVectorGivesUpWhenTableKeepsChanging(t *testing.T) {
	ret := fakeSetup(t)
	s, err := New(context.Background(), ret, nil, Config{})
	require.NoError(t, err)

	// The served epoch never matches the table, as if every round lost the
	// race against another rebuild.
	ret.epochs = map[string]pir.Epoch{"cluster-0": {ID: 99, Digest: "fake-99"}}

	_, err = s.SearchVector(context.Background(), []float64{0.2, 0.2}, 1)
	require.ErrorContains(t, err, "rebuilding")
}

func TestSearchVectorSurvivesRebuild(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := service.DefaultConfig()
	cfg.NumClusters = 3
	cfg.SecretDim = 64
	svc := service.New(cfg, store.NewMemoryStore(), log)

	ids, vectors := blobCorpus()
	require.NoError(t, svc.Add(ids, vectors))
	require.NoError(t, svc.Build(context.Background()))

	srv := httptest.NewServer(server.New(server.DefaultConfig(), svc, log))
	t.Cleanup(srv.Close)

	ccfg := client.DefaultConfig()
	ccfg.BaseURL = srv.URL
	s, err := New(context.Background(), client.New(ccfg, log), nil, Config{Concurrency: 2})
	require.NoError(t, err)

	// Rebuild the corpus behind the searcher's back, with a new document
	// that shifts cluster memberships.
	fresh := []float64{-0.7, -0.75}
	require.NoError(t, svc.Add([]string{"fresh"}, [][]float64{fresh}))
	require.NoError(t, svc.Build(context.Background()))

	results, err := s.SearchVector(context.Background(), fresh, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "fresh", results[0].ID)
}
