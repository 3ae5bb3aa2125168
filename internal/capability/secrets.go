package capability

import (
	"slices"
	"sync"
)

// SecretStore is the in-memory secret backend. It is seeded once from the
// values bundle; Put exists so tests can pre-seed additional secrets.
type SecretStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewSecretStore copies seed into a new store.
func NewSecretStore(seed map[string][]byte) *SecretStore {
	s := &SecretStore{secrets: make(map[string][]byte, len(seed))}
	for k, v := range seed {
		s.secrets[k] = append([]byte(nil), v...)
	}
	return s
}

// Get returns a copy of the secret. Absence is reported with ok=false and is
// not an error.
func (s *SecretStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Put stores a copy of value under key.
func (s *SecretStore) Put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = append([]byte(nil), value...)
}

// Keys returns the stored secret names in sorted order.
func (s *SecretStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

type secretGetIn struct {
	Key string `json:"key"`
}

type secretPutIn struct {
	Key   string `json:"key"`
	Value []byte `json:"value_b64"`
}

type secretOut struct {
	Found bool   `json:"found"`
	Value []byte `json:"value_b64,omitempty"`
	Error *Fault `json:"error,omitempty"`
}
