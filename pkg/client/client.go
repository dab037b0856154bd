// Package client is the remote side of the retrieval protocol: it fetches
// and caches per-epoch parameters and hints, runs the per-query state
// machine, and recovers records from server answers.
//
// Each fetch walks INIT -> QUERY -> AWAIT_ANSWER -> DECODE. INIT is skipped
// while the cached hint's epoch still matches the server; observing a newer
// epoch anywhere forces the next attempt back through INIT. Failed attempts
// are retried with a completely fresh secret and noise; a ciphertext is
// never sent twice.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/0xWOLAND/tiptoe/pkg/api"
	"github.com/0xWOLAND/tiptoe/pkg/matrix"
	"github.com/0xWOLAND/tiptoe/pkg/pir"
)

// ErrNetwork reports a failed round-trip: connection failure, timeout, or a
// 5xx reply. Retryable; the retry rebuilds the query from fresh randomness.
var ErrNetwork = errors.New("client: network error")

// Config holds client configuration.
type Config struct {
	BaseURL     string
	HTTPTimeout time.Duration

	// MaxRetries bounds how many times one fetch is retried after its first
	// attempt, across network errors and epoch refreshes.
	MaxRetries uint64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:8080",
		HTTPTimeout: 30 * time.Second,
		MaxRetries:  3,
	}
}

// Client talks to one retrieval deployment. Safe for concurrent use; the
// per-database hint cache is the only state shared across queries and is
// invalidated wholesale on epoch change.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        logrus.FieldLogger

	mu  sync.RWMutex
	dbs map[string]*pir.Client
}

// New creates a client for the deployment at cfg.BaseURL.
func New(cfg Config, log logrus.FieldLogger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultConfig().HTTPTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		log:        log,
		dbs:        make(map[string]*pir.Client),
	}
}

// Fetch privately retrieves record index from the named database. Network
// errors and epoch changes are retried with fresh randomness up to the
// configured budget; decode failures and dimension errors are surfaced
// immediately.
func (c *Client) Fetch(ctx context.Context, db string, index uint64) ([]uint64, error) {
	var record []uint64
	op := func() error {
		rec, err := c.fetchOnce(ctx, db, index)
		if err == nil {
			record = rec
			return nil
		}

		switch {
		case errors.Is(err, pir.ErrEpochStale):
			// The hint we decoded against belongs to a previous epoch.
			// Drop it so the next attempt re-enters INIT and refetches.
			c.invalidate(db)
			c.log.WithField("db", db).Debug("epoch changed, refetching hint")
			return err
		case errors.Is(err, ErrNetwork):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("client: fetching %s[%d]: %w", db, index, err)
	}
	return record, nil
}

// fetchOnce runs a single protocol round. Every call draws a fresh secret
// and noise inside pir.Client.Query; the ciphertext it sends is never
// reused.
func (c *Client) fetchOnce(ctx context.Context, db string, index uint64) ([]uint64, error) {
	// INIT
	pc, err := c.dbClient(ctx, db)
	if err != nil {
		return nil, err
	}

	// QUERY
	secret, query, err := pc.Query(index)
	if err != nil {
		return nil, err
	}

	// AWAIT_ANSWER
	resp, err := c.postQuery(ctx, db, query, pc.Epoch())
	if err != nil {
		return nil, err
	}

	answer := matrix.FromData(uint64(len(resp.Answer)), 1, resp.Answer)

	// DECODE
	return pc.Recover(secret, answer, resp.Epoch)
}

// Epoch reports the named database's epoch as this client last observed it.
// Every successful Fetch leaves the cache at the epoch the server answered
// with, so after a round of fetches this is the epoch those rows belong to.
func (c *Client) Epoch(ctx context.Context, db string) (pir.Epoch, error) {
	pc, err := c.dbClient(ctx, db)
	if err != nil {
		return pir.Epoch{}, err
	}
	return pc.Epoch(), nil
}

// NumRecords reports the record count of the named database under its
// current cached epoch.
func (c *Client) NumRecords(ctx context.Context, db string) (uint64, error) {
	pc, err := c.dbClient(ctx, db)
	if err != nil {
		return 0, err
	}
	return pc.NumRecords(), nil
}

// Centroids fetches the plaintext routing table. Not privacy-sensitive: the
// table says nothing about which centroid a client will pick.
func (c *Client) Centroids(ctx context.Context) (*api.CentroidsResponse, error) {
	var resp api.CentroidsResponse
	if err := c.getJSON(ctx, "/centroids", &resp); err != nil {
		return nil, err
	}
	if len(resp.Centroids) != len(resp.Clusters) {
		return nil, fmt.Errorf("client: %d centroids for %d clusters", len(resp.Centroids), len(resp.Clusters))
	}
	return &resp, nil
}

// dbClient returns the cached per-epoch engine client for db, fetching
// parameters and hint when the cache is cold.
func (c *Client) dbClient(ctx context.Context, db string) (*pir.Client, error) {
	c.mu.RLock()
	pc, ok := c.dbs[db]
	c.mu.RUnlock()
	if ok {
		return pc, nil
	}

	var params api.ParamsResponse
	if err := c.getJSON(ctx, "/dbs/"+db+"/params", &params); err != nil {
		return nil, err
	}

	lweParams := params.LWEParams()
	if params.Delta != lweParams.Delta() {
		return nil, fmt.Errorf("client: server delta %d disagrees with derived delta %d: %w",
			params.Delta, lweParams.Delta(), pir.ErrDimensionMismatch)
	}
	hint, ok := params.Hint.ToMatrix()
	if !ok {
		return nil, fmt.Errorf("client: hint payload shape mismatch: %w", pir.ErrDimensionMismatch)
	}
	if hint.Rows != params.RecordLen {
		return nil, fmt.Errorf("client: hint has %d rows, record length is %d: %w",
			hint.Rows, params.RecordLen, pir.ErrDimensionMismatch)
	}

	pc, err := pir.NewClient(lweParams, params.Seed, hint, params.Epoch, params.NumRecords, nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.dbs[db]; ok {
		return cached, nil
	}
	c.dbs[db] = pc
	c.log.WithFields(logrus.Fields{
		"db":      db,
		"epoch":   params.Epoch.ID,
		"records": params.NumRecords,
	}).Debug("cached hint")
	return pc, nil
}

// invalidate drops one database's cached hint, forcing the next attempt
// back through INIT.
func (c *Client) invalidate(db string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dbs, db)
}

func (c *Client) postQuery(ctx context.Context, db string, query *matrix.Matrix, epoch pir.Epoch) (*api.QueryResponse, error) {
	body, err := json.Marshal(api.QueryRequest{Ciphertext: query.Data, Epoch: epoch})
	if err != nil {
		return nil, fmt.Errorf("client: marshaling query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/dbs/"+db+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: posting query: %w: %v", ErrNetwork, err)
	}
	defer httpResp.Body.Close()

	if err := checkStatus(httpResp); err != nil {
		return nil, err
	}

	var resp api.QueryResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("client: decoding answer: %w: %v", ErrNetwork, err)
	}
	return &resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("client: building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: GET %s: %w: %v", path, ErrNetwork, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decoding %s: %w: %v", path, ErrNetwork, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var apiErr api.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("client: server status %d (%s): %w", resp.StatusCode, apiErr.Error, ErrNetwork)
	}
	return fmt.Errorf("client: server status %d: %s", resp.StatusCode, apiErr.Error)
}
