package tiptoe

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// gridCorpus spreads documents over three separated regions with gaps far
// above the quantization error.
func gridCorpus() ([]string, [][]float64) {
	centers := [][]float64{
		{-0.7, -0.7},
		{0.7, 0.7},
		{0.7, -0.7},
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

func builtDB(t *testing.T) (*DB, []string, [][]float64) {
	t.Helper()
	db, err := NewDB(Config{NumClusters: 3, SecretDim: 64, Logger: quietLogger()})
	require.NoError(t, err)

	ids, vectors := gridCorpus()
	require.NoError(t, db.AddBatch(ids, vectors))
	require.NoError(t, db.Build(context.Background()))
	return db, ids, vectors
}

func TestSearchBeforeBuild(t *testing.T) {
	db, err := NewDB(Config{Logger: quietLogger()})
	require.NoError(t, err)

	_, err = db.SearchVector(context.Background(), []float64{0, 0}, 1)
	require.Error(t, err)
}

func TestSearchVectorEndToEnd(t *testing.T) {
	db, ids, vectors := builtDB(t)

	for _, i := range []int{0, 1, 2, 10} {
		results, err := db.SearchVector(context.Background(), vectors[i], 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.Equal(t, ids[i], results[0].ID)
	}
}

func TestSearchVectorTopKOrdered(t *testing.T) {
	db, _, _ := builtDB(t)

	results, err := db.SearchVector(context.Background(), []float64{0.7, 0.7}, 4)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i := 1; i < len(results); i++ {
		require.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}
}

func TestSearchWithoutEmbedder(t *testing.T) {
	db, _, _ := builtDB(t)

	_, err := db.Search(context.Background(), "anything", 1)
	require.Error(t, err)
}

func TestRebuildKeepsSearching(t *testing.T) {
	db, _, _ := builtDB(t)

	// Fold in a new document and rebuild; the new epoch must be picked up
	// and the new document become findable.
	require.NoError(t, db.Add("late", []float64{-0.7, 0.7}))
	require.NoError(t, db.Build(context.Background()))

	results, err := db.SearchVector(context.Background(), []float64{-0.7, 0.7}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "late", results[0].ID)
}

func TestAddValidation(t *testing.T) {
	db, err := NewDB(Config{Logger: quietLogger()})
	require.NoError(t, err)

	require.NoError(t, db.Add("a", []float64{1, 2}))
	require.Error(t, db.Add("b", []float64{1, 2, 3}))
}

func TestConcurrentSearches(t *testing.T) {
	db, ids, vectors := builtDB(t)

	done := make(chan error, 8)
	for g := 0; g < 8; g++ {
		go func() {
			for _, i := range []int{0, 4, 8} {
				results, err := db.SearchVector(context.Background(), vectors[i], 1)
				if err != nil {
					done <- err
					return
				}
				if results[0].ID != ids[i] {
					done <- fmt.Errorf("got %s, want %s", results[0].ID, ids[i])
					return
				}
			}
			done <- nil
		}()
	}
	for g := 0; g < 8; g++ {
		require.NoError(t, <-done)
	}
}

func TestSearchReturnsDocumentText(t *testing.T) {
	db, err := NewDB(Config{NumClusters: 3, SecretDim: 64, Logger: quietLogger()})
	require.NoError(t, err)

	ids, vectors := gridCorpus()
	for i := range ids {
		require.NoError(t, db.AddDocument(ids[i], vectors[i], fmt.Sprintf("body of %s", ids[i])))
	}
	require.NoError(t, db.Build(context.Background()))

	results, err := db.SearchVector(context.Background(), vectors[5], 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, ids[5], results[0].ID)
	for _, r := range results {
		require.Equal(t, fmt.Sprintf("body of %s", r.ID), r.Text)
	}
}

func TestSearchWithoutTextLeavesTextEmpty(t *testing.T) {
	db, _, _ := builtDB(t)

	results, err := db.SearchVector(context.Background(), []float64{0.7, 0.7}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Empty(t, results[0].Text)
}
