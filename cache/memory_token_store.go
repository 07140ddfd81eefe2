package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pilab-dev/shadow-vault/domain"
)

// MemoryTokenStore implements TokenStore using ttlcache.
type MemoryTokenStore struct {
	cache *ttlcache.Cache[string, *domain.TokenRecord]
}

// NewMemoryTokenStore creates an in-memory token store. ttlcache's own
// expiration runs in the background as a backstop for the caller's sweep.
func NewMemoryTokenStore() *MemoryTokenStore {
	c := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *domain.TokenRecord](),
	)

	go c.Start()

	return &MemoryTokenStore{cache: c}
}

// Set implements TokenStore.Set.
func (s *MemoryTokenStore) Set(_ context.Context, token string, rec *domain.TokenRecord, ttl time.Duration) error {
	s.cache.Set(HashToken(token), stripToken(rec), ttl)
	return nil
}

// Get implements TokenStore.Get.
func (s *MemoryTokenStore) Get(_ context.Context, token string) (*domain.TokenRecord, error) {
	item := s.cache.Get(HashToken(token))
	if item == nil {
		return nil, ErrNotFound
	}
	c := *item.Value()
	return &c, nil
}

// Take implements TokenStore.Take.
func (s *MemoryTokenStore) Take(_ context.Context, token string) (*domain.TokenRecord, error) {
	item, ok := s.cache.GetAndDelete(HashToken(token))
	if !ok || item == nil {
		return nil, ErrNotFound
	}
	c := *item.Value()
	return &c, nil
}

// Delete implements TokenStore.Delete.
func (s *MemoryTokenStore) Delete(_ context.Context, token string) error {
	s.cache.Delete(HashToken(token))
	return nil
}

// DeleteExpired implements TokenStore.DeleteExpired.
func (s *MemoryTokenStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	return s.deleteWhere(func(rec *domain.TokenRecord) bool { return rec.IsExpired(now) }), nil
}

// DeleteByOwner implements TokenStore.DeleteByOwner.
func (s *MemoryTokenStore) DeleteByOwner(_ context.Context, ownerPrimaryID string) (int, error) {
	return s.deleteWhere(func(rec *domain.TokenRecord) bool { return rec.OwnerPrimaryID == ownerPrimaryID }), nil
}

func (s *MemoryTokenStore) deleteWhere(match func(*domain.TokenRecord) bool) int {
	deleted := 0
	for key, item := range s.cache.Items() {
		if match(item.Value()) {
			if _, ok := s.cache.GetAndDelete(key); ok {
				deleted++
			}
		}
	}
	return deleted
}

// Clear implements TokenStore.Clear.
func (s *MemoryTokenStore) Clear(_ context.Context) error {
	s.cache.DeleteAll()
	return nil
}

// Count implements TokenStore.Count.
func (s *MemoryTokenStore) Count(_ context.Context) int {
	return s.cache.Len()
}

// Close stops the background expiration goroutine.
func (s *MemoryTokenStore) Close() error {
	s.cache.Stop()
	return nil
}

var _ TokenStore = (*MemoryTokenStore)(nil)
