package main

import (
	"sync"

	"github.com/netplane-io/linkd/pkg/config"
	"github.com/netplane-io/linkd/pkg/profile"
)

// profileStore holds the live configuration so profile lookups always see
// the latest reload.
type profileStore struct {
	mu  sync.RWMutex
	cfg *config.Config
}

func newProfileStore(cfg *config.Config) *profileStore {
	return &profileStore{cfg: cfg}
}

func (s *profileStore) replace(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *profileStore) current() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *profileStore) lookup(name string) (*profile.Profile, bool) {
	return s.current().Profile(name)
}
