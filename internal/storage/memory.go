package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryStore is a dependency-free backend. Nothing survives a restart.
type memoryStore struct {
	mu    sync.RWMutex
	seq   int64
	docs  map[docKey]Document
	dedup map[string]int64 // unix milli
}

type docKey struct{ kind, tenant, id string }

func NewMemory() Backend {
	return &memoryStore{
		docs:  map[docKey]Document{},
		dedup: map[string]int64{},
	}
}

func (s *memoryStore) Put(ctx context.Context, d Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := docKey{d.Kind, d.TenantID, d.ID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.docs[k]; ok {
		d.Seq = prev.Seq
	} else {
		s.seq++
		d.Seq = s.seq
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	d.Data = append([]byte(nil), d.Data...)
	s.docs[k] = d
	return nil
}

func (s *memoryStore) Get(ctx context.Context, kind, tenantID, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[docKey{kind, tenantID, id}]
	if !ok {
		return Document{}, ErrNotFound
	}
	return d, nil
}

func (s *memoryStore) Delete(ctx context.Context, kind, tenantID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := docKey{kind, tenantID, id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[k]; !ok {
		return ErrNotFound
	}
	delete(s.docs, k)
	return nil
}

func (s *memoryStore) List(ctx context.Context, kind, tenantID string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Document, 0, 16)
	for k, d := range s.docs {
		if k.kind != kind || (tenantID != "" && k.tenant != tenantID) {
			continue
		}
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *memoryStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until.UnixMilli()
	if len(s.dedup) > 4096 {
		pruneExpiredDedup(s.dedup)
	}
	return nil
}

func (s *memoryStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *memoryStore) Close() error { return nil }

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
