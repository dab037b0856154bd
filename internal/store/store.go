// Package store keeps the server's named retrieval databases: the main
// corpus plus one membership database per cluster.
package store

import (
	"errors"
	"sync"

	"github.com/0xWOLAND/tiptoe/pkg/pir"
)

var ErrNotFound = errors.New("store: database not found")

// Store is the registry interface the service layer reads through.
type Store interface {
	// Get returns the named database's server.
	Get(name string) (*pir.Server, error)

	// Names lists all registered databases.
	Names() []string

	// ReplaceAll swaps the whole registry in one step, used when a rebuild
	// changes the cluster layout. Readers that already hold a *pir.Server
	// keep answering against the epoch snapshot they loaded.
	ReplaceAll(servers map[string]*pir.Server)
}

// MemoryStore is the in-process registry.
type MemoryStore struct {
	mu      sync.RWMutex
	servers map[string]*pir.Server
}

// NewMemoryStore creates an empty registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{servers: make(map[string]*pir.Server)}
}

func (s *MemoryStore) Get(name string) (*pir.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[name]
	if !ok {
		return nil, ErrNotFound
	}
	return srv, nil
}

func (s *MemoryStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.servers))
	for name := range s.servers {
		names = append(names, name)
	}
	return names
}

func (s *MemoryStore) ReplaceAll(servers map[string]*pir.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers = servers
}
