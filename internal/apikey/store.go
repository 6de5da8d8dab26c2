package apikey

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrKeyNotFound is returned by id-addressed operations for unknown keys.
var ErrKeyNotFound = errors.New("api key not found")

// maxGenerateAttempts bounds the digest-collision retry loop in Create.
// A SHA-256 collision is not a domain event, just a reason to regenerate.
const maxGenerateAttempts = 3

// Store is the durable mapping from key identity to metadata and usage
// counters. The in-memory collection is authoritative; every mutation is
// followed by a best-effort flush to a JSON file, so a crash between the two
// loses at most the most recent increments and never corrupts the store.
type Store struct {
	mu     sync.RWMutex
	keys   map[string]*Key   // by id
	byHash map[string]string // secret digest -> id

	path     string
	defaults Limits
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore creates an empty store backed by the JSON file at path. Keys
// created without explicit limits are stamped with defaults; changing the
// process default later never alters limits already captured on a key.
func NewStore(path string, defaults Limits, logger *zap.Logger) *Store {
	return &Store{
		keys:     make(map[string]*Key),
		byHash:   make(map[string]string),
		path:     path,
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the store's clock. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Reload replaces the in-memory collection with the persisted file contents.
// A missing or unreadable file yields an empty store rather than an error:
// the service degrades to "no keys known" instead of failing to start.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys = make(map[string]*Key)
	s.byHash = make(map[string]string)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read key store file, starting empty",
				zap.String("path", s.path), zap.Error(err))
		}
		return
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn("corrupt key store file, starting empty",
			zap.String("path", s.path), zap.Error(err))
		return
	}

	for _, k := range file.Keys {
		if k == nil || k.ID == "" || k.SecretHash == "" {
			continue
		}
		s.keys[k.ID] = k
		s.byHash[k.SecretHash] = k.ID
	}
}

// Create generates a secret, persists the new record, and returns the result
// with the plaintext attached. This is the only call that ever exposes it.
func (s *Store) Create(name string, limits *Limits) (*CreatedKey, error) {
	if limits == nil {
		limits = &s.defaults
	}

	var plaintext, digest string
	s.mu.Lock()
	for attempt := 0; ; attempt++ {
		var err error
		plaintext, digest, err = GenerateSecret()
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if _, taken := s.byHash[digest]; !taken {
			break
		}
		if attempt+1 >= maxGenerateAttempts {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: digest collision persisted", ErrSecretGeneration)
		}
	}

	key := &Key{
		ID:                 uuid.NewString(),
		Name:               name,
		SecretHash:         digest,
		CreatedAt:          s.now().UTC(),
		IsActive:           true,
		RateLimitPerMinute: limits.PerMinute,
		RateLimitPerDay:    limits.PerDay,
	}
	s.keys[key.ID] = key
	s.byHash[digest] = key.ID
	s.mu.Unlock()

	s.Persist()

	return &CreatedKey{Info: key.Snapshot(), Secret: plaintext}, nil
}

// FindByHash returns the key whose stored digest equals digest. Lookup is by
// exact digest only; no prefix or partial matching exists to enumerate.
func (s *Store) FindByHash(digest string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[digest]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return s.keys[id], nil
}

// Get returns the key with the given id.
func (s *Store) Get(id string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// Update applies a partial modification to the key with the given id and
// flushes the store.
func (s *Store) Update(id string, patch Update) (Info, error) {
	s.mu.RLock()
	key, ok := s.keys[id]
	s.mu.RUnlock()
	if !ok {
		return Info{}, ErrKeyNotFound
	}

	key.mu.Lock()
	if patch.Name != nil {
		key.Name = *patch.Name
	}
	if patch.RateLimitPerMinute != nil {
		key.RateLimitPerMinute = *patch.RateLimitPerMinute
	}
	if patch.RateLimitPerDay != nil {
		key.RateLimitPerDay = *patch.RateLimitPerDay
	}
	if patch.IsActive != nil {
		key.IsActive = *patch.IsActive
	}
	key.mu.Unlock()

	s.Persist()
	return key.Snapshot(), nil
}

// Deactivate soft-deletes the key: it stays listed but fails authentication
// immediately. Deactivating an inactive key is a no-op.
func (s *Store) Deactivate(id string) (Info, error) {
	inactive := false
	return s.Update(id, Update{IsActive: &inactive})
}

// Delete removes the record entirely. Afterwards the key's secret is
// indistinguishable from an unknown one.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	key, ok := s.keys[id]
	if !ok {
		s.mu.Unlock()
		return ErrKeyNotFound
	}
	delete(s.keys, id)
	delete(s.byHash, key.SecretHash)
	s.mu.Unlock()

	s.Persist()
	return nil
}

// List returns key metadata ordered by creation time. Inactive keys are
// included only when includeInactive is set; each entry carries its active
// flag either way.
func (s *Store) List(includeInactive bool) []Info {
	s.mu.RLock()
	keys := make([]*Key, 0, len(s.keys))
	for _, k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	infos := make([]Info, 0, len(keys))
	for _, k := range keys {
		info := k.Snapshot()
		if !info.IsActive && !includeInactive {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Len returns the number of stored keys, active or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Persist flushes the current collection to the backing file. Failures are
// logged, never propagated: a failed flush must not fail the in-flight
// request that triggered it. The write is a temp-file-and-rename replace so
// a crash mid-write leaves the previous file intact.
func (s *Store) Persist() {
	s.mu.RLock()
	file := storeFile{Keys: make([]*Key, 0, len(s.keys))}
	for _, k := range s.keys {
		file.Keys = append(file.Keys, k)
	}
	sort.Slice(file.Keys, func(i, j int) bool { return file.Keys[i].ID < file.Keys[j].ID })
	data, err := json.MarshalIndent(&file, "", "  ")
	s.mu.RUnlock()

	if err != nil {
		s.logger.Error("failed to encode key store", zap.Error(err))
		return
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		s.logger.Error("failed to persist key store",
			zap.String("path", s.path), zap.Error(err))
	}
}

type storeFile struct {
	Keys []*Key `json:"keys"`
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
