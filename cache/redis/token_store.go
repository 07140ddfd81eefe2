// Package redis implements the token record store on Redis for
// deployments running more than one broker process.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pilab-dev/shadow-vault/cache"
	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// TokenStore implements cache.TokenStore using Redis. Records are JSON
// values under prefix:token:<hash>; each owner has a set of hashes under
// prefix:owner:<primaryId> for revokeAll. The owner set expires with the
// longest-lived token in it.
type TokenStore struct {
	client redis.UniversalClient
	prefix string
}

// extendTTL raises the key's TTL to ARGV[1] milliseconds, never lowering it.
var extendTTL = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
if ttl < tonumber(ARGV[1]) then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return ttl
`)

// NewTokenStore creates a TokenStore.
func NewTokenStore(client redis.UniversalClient, prefix string) *TokenStore {
	if prefix == "" {
		prefix = "svault"
	}
	return &TokenStore{client: client, prefix: prefix}
}

func (r *TokenStore) tokenKey(hash string) string {
	return fmt.Sprintf("%s:token:%s", r.prefix, hash)
}

func (r *TokenStore) ownerKey(owner string) string {
	return fmt.Sprintf("%s:owner:%s", r.prefix, owner)
}

// Set implements cache.TokenStore.Set.
func (r *TokenStore) Set(ctx context.Context, token string, rec *domain.TokenRecord, ttl time.Duration) error {
	hash := cache.HashToken(token)
	stored := *rec
	stored.Token = ""

	payload, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		ownerKey := r.ownerKey(rec.OwnerPrimaryID)
		pipe.Set(ctx, r.tokenKey(hash), payload, ttl)
		pipe.SAdd(ctx, ownerKey, hash)
		if ttl > 0 {
			extendTTL.Eval(ctx, pipe, []string{ownerKey}, ttl.Milliseconds())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set token in Redis: %w", err)
	}
	return nil
}

// Get implements cache.TokenStore.Get.
func (r *TokenStore) Get(ctx context.Context, token string) (*domain.TokenRecord, error) {
	raw, err := r.client.Get(ctx, r.tokenKey(cache.HashToken(token))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token from Redis: %w", err)
	}
	return decode(raw)
}

// Take implements cache.TokenStore.Take using GETDEL, which is atomic on
// the server.
func (r *TokenStore) Take(ctx context.Context, token string) (*domain.TokenRecord, error) {
	hash := cache.HashToken(token)
	raw, err := r.client.GetDel(ctx, r.tokenKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take token from Redis: %w", err)
	}

	rec, err := decode(raw)
	if err != nil {
		return nil, err
	}
	r.client.SRem(ctx, r.ownerKey(rec.OwnerPrimaryID), hash)
	return rec, nil
}

// Delete implements cache.TokenStore.Delete.
func (r *TokenStore) Delete(ctx context.Context, token string) error {
	_, err := r.Take(ctx, token)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	return nil
}

// DeleteExpired implements cache.TokenStore.DeleteExpired.
func (r *TokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	deleted := 0
	err := r.scan(ctx, func(keys []string) error {
		for _, key := range keys {
			raw, err := r.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue // deleted between SCAN and GET
			}
			if err != nil {
				return err
			}
			rec, err := decode(raw)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("dropping undecodable token record")
			} else if !rec.IsExpired(now) {
				continue
			}
			n, err := r.client.Del(ctx, key).Result()
			if err != nil {
				return err
			}
			deleted += int(n)
			if rec != nil {
				hash := key[len(r.tokenKey("")):]
				r.client.SRem(ctx, r.ownerKey(rec.OwnerPrimaryID), hash)
			}
		}
		return nil
	})
	if err != nil {
		return deleted, err
	}
	return deleted, r.pruneOwners(ctx)
}

// pruneOwners drops hashes from owner sets whose token key is gone. Redis
// expires token keys on its own, leaving their owner set entries behind.
func (r *TokenStore) pruneOwners(ctx context.Context) error {
	return r.scanPattern(ctx, r.ownerKey("*"), func(keys []string) error {
		for _, ownerKey := range keys {
			hashes, err := r.client.SMembers(ctx, ownerKey).Result()
			if err != nil {
				return err
			}
			if len(hashes) == 0 {
				continue
			}

			exists := make([]*redis.IntCmd, len(hashes))
			_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for i, h := range hashes {
					exists[i] = pipe.Exists(ctx, r.tokenKey(h))
				}
				return nil
			})
			if err != nil {
				return err
			}

			var stale []interface{}
			for i, cmd := range exists {
				if cmd.Val() == 0 {
					stale = append(stale, hashes[i])
				}
			}
			if len(stale) == 0 {
				continue
			}
			if err := r.client.SRem(ctx, ownerKey, stale...).Err(); err != nil {
				return err
			}
			log.Ctx(ctx).Debug().Str("key", ownerKey).Int("pruned", len(stale)).Msg("pruned stale owner index entries")
		}
		return nil
	})
}

// DeleteByOwner implements cache.TokenStore.DeleteByOwner.
func (r *TokenStore) DeleteByOwner(ctx context.Context, ownerPrimaryID string) (int, error) {
	ownerKey := r.ownerKey(ownerPrimaryID)
	hashes, err := r.client.SMembers(ctx, ownerKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list owner tokens: %w", err)
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(hashes))
	for _, h := range hashes {
		keys = append(keys, r.tokenKey(h))
	}

	var del *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, keys...)
		pipe.Del(ctx, ownerKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete owner tokens: %w", err)
	}
	return int(del.Val()), nil
}

// Clear implements cache.TokenStore.Clear.
func (r *TokenStore) Clear(ctx context.Context) error {
	for _, pattern := range []string{r.tokenKey("*"), r.ownerKey("*")} {
		err := r.scanPattern(ctx, pattern, func(keys []string) error {
			return r.client.Del(ctx, keys...).Err()
		})
		if err != nil {
			return fmt.Errorf("failed to clear tokens: %w", err)
		}
	}
	return nil
}

// Count implements cache.TokenStore.Count.
func (r *TokenStore) Count(ctx context.Context) int {
	count := 0
	err := r.scan(ctx, func(keys []string) error {
		count += len(keys)
		return nil
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to count tokens in Redis")
	}
	return count
}

// Ping checks the Redis connection.
func (r *TokenStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *TokenStore) scan(ctx context.Context, fn func(keys []string) error) error {
	return r.scanPattern(ctx, r.tokenKey("*"), fn)
}

func (r *TokenStore) scanPattern(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func decode(raw []byte) (*domain.TokenRecord, error) {
	var rec domain.TokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token record: %w", err)
	}
	return &rec, nil
}

var _ cache.TokenStore = (*TokenStore)(nil)
