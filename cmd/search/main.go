// Command search runs a private query against a retrieval server: the query
// text is embedded locally, routed to the nearest cluster, and each candidate
// row is fetched through the retrieval protocol so the server never learns
// which documents were scored.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/0xWOLAND/tiptoe/pkg/client"
	"github.com/0xWOLAND/tiptoe/pkg/embeddings"
	"github.com/0xWOLAND/tiptoe/pkg/search"
)

var (
	serverURL = flag.String("server", "http://localhost:8080", "retrieval server base URL")
	embedURL  = flag.String("embed-url", "http://localhost:8090", "embedding service base URL")
	topK      = flag.Int("top-k", 5, "number of results to return")
	timeout   = flag.Duration("timeout", 2*time.Minute, "overall query deadline")
	verbose   = flag.Bool("verbose", false, "debug logging")
)

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: search [flags] <query text>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	query := flag.Arg(0)

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	clientCfg := client.DefaultConfig()
	clientCfg.BaseURL = *serverURL
	retriever := client.New(clientCfg, log)

	embedCfg := embeddings.DefaultConfig()
	embedCfg.BaseURL = *embedURL
	embedder := embeddings.NewClient(embedCfg)

	searcher, err := search.New(ctx, retriever, embedder, search.DefaultConfig())
	if err != nil {
		log.WithError(err).Fatal("connecting to retrieval server")
	}

	start := time.Now()
	results, err := searcher.Search(ctx, query, *topK)
	if err != nil {
		log.WithError(err).Fatal("search failed")
	}

	fmt.Printf("%d results in %s (%s distance)\n", len(results), time.Since(start).Round(time.Millisecond), searcher.Metric())
	for i, r := range results {
		fmt.Printf("%2d. %-30s distance=%.4f\n", i+1, r.ID, r.Distance)
		if r.Text != "" {
			fmt.Printf("    %s\n", r.Text)
		}
	}
}
