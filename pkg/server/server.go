// Package server exposes the retrieval service over HTTP.
//
// The wire surface is three JSON endpoints per deployment:
//
//	GET  /dbs/{name}/params   public parameters + hint for one database
//	POST /dbs/{name}/query    answer one query ciphertext
//	GET  /centroids           plaintext centroid/routing table
//
// Nothing about a request depends on which record a ciphertext encodes; the
// only per-database state the handlers touch is the epoch snapshot loaded
// inside pkg/pir.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/0xWOLAND/tiptoe/internal/service"
	"github.com/0xWOLAND/tiptoe/internal/store"
	"github.com/0xWOLAND/tiptoe/pkg/api"
	"github.com/0xWOLAND/tiptoe/pkg/pir"
)

// Config holds server configuration.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
}

// Server is the HTTP front end over the retrieval service.
type Server struct {
	svc  *service.Service
	log  logrus.FieldLogger
	mux  *http.ServeMux
	http *http.Server
}

// New creates a server. It does not start listening; call ListenAndServe.
func New(cfg Config, svc *service.Service, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Server{
		svc: svc,
		log: log,
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /dbs/{name}/params", s.handleParams)
	s.mux.HandleFunc("POST /dbs/{name}/query", s.handleQuery)
	s.mux.HandleFunc("GET /centroids", s.handleCentroids)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.http = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// ServeHTTP implements http.Handler, so tests can mount the server on
// httptest without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.WithField("address", s.http.Addr).Info("retrieval server listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	resp, err := s.svc.Params(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, resp)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req api.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "malformed query request")
		return
	}

	resp, err := s.svc.Answer(name, &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, resp)
}

func (s *Server) handleCentroids(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Centroids()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.requestLog(r).WithError(err).Warn("writing response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pir.ErrDimensionMismatch):
		status = http.StatusBadRequest
	}
	s.requestLog(r).WithError(err).Warn("request failed")
	s.writeStatus(w, status, err.Error())
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: msg})
}

func (s *Server) requestLog(r *http.Request) *logrus.Entry {
	return s.log.WithFields(logrus.Fields{
		"request": uuid.NewString(),
		"method":  r.Method,
		"path":    r.URL.Path,
	})
}
