// Command pir-server runs the private retrieval server: it embeds or loads
// a document corpus, clusters it, and serves the per-database parameter and
// query endpoints.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/0xWOLAND/tiptoe/internal/service"
	"github.com/0xWOLAND/tiptoe/internal/store"
	"github.com/0xWOLAND/tiptoe/pkg/cluster"
	"github.com/0xWOLAND/tiptoe/pkg/embeddings"
	"github.com/0xWOLAND/tiptoe/pkg/server"
)

var (
	configPath  = flag.String("config", "", "YAML configuration file (optional)")
	address     = flag.String("address", ":8080", "listen address")
	corpusPath  = flag.String("corpus", "", "JSON corpus file: [{\"id\": ..., \"text\": ...}, ...]")
	embedURL    = flag.String("embed-url", "http://localhost:8090", "embedding service base URL")
	metricName  = flag.String("metric", "euclidean", "distance metric (euclidean|cosine)")
	numClusters = flag.Int("clusters", 0, "cluster count (0 = sqrt of corpus size)")
	demoVectors = flag.Int("demo-vectors", 0, "serve this many random demo vectors instead of a corpus")
	demoDim     = flag.Int("demo-dim", 128, "dimension of demo vectors")
	refresh     = flag.Duration("refresh-interval", 0, "rebuild the corpus on this interval (0 = never)")
)

// fileConfig mirrors the flags for YAML-based deployment.
type fileConfig struct {
	Address     string `yaml:"address"`
	Corpus      string `yaml:"corpus"`
	EmbedURL    string `yaml:"embed_url"`
	Metric      string `yaml:"metric"`
	NumClusters int    `yaml:"num_clusters"`
}

type document struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func main() {
	flag.Parse()
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *configPath != "" {
		if err := loadConfigFile(*configPath); err != nil {
			log.WithError(err).Fatal("loading config file")
		}
	}

	metric, err := cluster.ParseMetric(*metricName)
	if err != nil {
		log.WithError(err).Fatal("invalid metric")
	}

	svcCfg := service.DefaultConfig()
	svcCfg.Metric = metric
	svcCfg.NumClusters = *numClusters
	svc := service.New(svcCfg, store.NewMemoryStore(), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *demoVectors > 0:
		if err := addDemoVectors(svc, *demoVectors, *demoDim); err != nil {
			log.WithError(err).Fatal("generating demo corpus")
		}
	case *corpusPath != "":
		if err := addCorpus(ctx, svc, *corpusPath, *embedURL, log); err != nil {
			log.WithError(err).Fatal("loading corpus")
		}
	default:
		log.Fatal("either -corpus or -demo-vectors is required")
	}

	if err := svc.Build(ctx); err != nil {
		log.WithError(err).Fatal("building corpus")
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Address = *address
	srv := server.New(srvCfg, svc, log)

	if *refresh > 0 {
		go refreshLoop(ctx, svc, *refresh, log)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown incomplete")
		}
	}
}

func loadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	// Flags given explicitly on the command line win over the file.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if cfg.Address != "" && !set["address"] {
		*address = cfg.Address
	}
	if cfg.Corpus != "" && !set["corpus"] {
		*corpusPath = cfg.Corpus
	}
	if cfg.EmbedURL != "" && !set["embed-url"] {
		*embedURL = cfg.EmbedURL
	}
	if cfg.Metric != "" && !set["metric"] {
		*metricName = cfg.Metric
	}
	if cfg.NumClusters != 0 && !set["clusters"] {
		*numClusters = cfg.NumClusters
	}
	return nil
}

func addCorpus(ctx context.Context, svc *service.Service, path, embedURL string, log logrus.FieldLogger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var docs []document
	if err := json.Unmarshal(data, &docs); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(docs) == 0 {
		return fmt.Errorf("corpus %s is empty", path)
	}

	embedCfg := embeddings.DefaultConfig()
	embedCfg.BaseURL = embedURL
	embedder := embeddings.NewClient(embedCfg)

	ids := make([]string, len(docs))
	texts := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		texts[i] = d.Text
	}

	log.WithField("documents", len(docs)).Info("embedding corpus")
	const batch = 64
	for start := 0; start < len(texts); start += batch {
		end := min(start+batch, len(texts))
		vecs, err := embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return err
		}
		if err := svc.AddDocuments(ids[start:end], vecs, texts[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func addDemoVectors(svc *service.Service, n, dim int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ids := make([]string, n)
	vecs := make([][]float64, n)
	for i := range vecs {
		ids[i] = fmt.Sprintf("demo-%d", i)
		v := make([]float64, dim)
		for j := range v {
			v[j] = rng.Float64()*2 - 1
		}
		vecs[i] = v
	}
	return svc.Add(ids, vecs)
}

func refreshLoop(ctx context.Context, svc *service.Service, interval time.Duration, log logrus.FieldLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.Build(ctx); err != nil {
				log.WithError(err).Error("periodic rebuild failed")
			}
		}
	}
}
