package identity

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/pilab-dev/shadow-vault/internal/clock"
	"github.com/pilab-dev/shadow-vault/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver() (*Resolver, *memory.IdentityRepository) {
	repo := memory.NewIdentityRepository()
	return NewResolver(repo, clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))), repo
}

func TestClaims_IDsPriority(t *testing.T) {
	tests := []struct {
		name       string
		raw        map[string]any
		primary    string
		source     Source
		alternates []string
	}{
		{
			name:    "sso subject only",
			raw:     map[string]any{"sub": "u1", "email": "a@example.com"},
			primary: "u1",
			source:  SourceSSO,
		},
		{
			name:       "direct id beats provider ids and subject",
			raw:        map[string]any{"user_id": "app-7", "google_id": "g1", "sub": "s1"},
			primary:    "app-7",
			source:     SourceDirect,
			alternates: []string{"google:g1", "s1"},
		},
		{
			name:       "provider ids are namespaced",
			raw:        map[string]any{"github_id": float64(4242), "microsoft_id": "m-1"},
			primary:    "github:4242",
			source:     SourceGitHub,
			alternates: []string{"microsoft:m-1"},
		},
		{
			name:    "json number and alias field names",
			raw:     map[string]any{"userId": json.Number("99"), "uid": "ignored"},
			primary: "99",
			source:  SourceDirect,
		},
		{
			name:    "subject equal to direct id is deduplicated",
			raw:     map[string]any{"uid": "same", "sub": "same"},
			primary: "same",
			source:  SourceDirect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary, source, alternates, ok := ParseClaims(tt.raw).IDs()
			require.True(t, ok)
			assert.Equal(t, tt.primary, primary)
			assert.Equal(t, tt.source, source)
			assert.Equal(t, tt.alternates, alternates)
		})
	}
}

func TestParseClaims_KeepsUnknownInExtra(t *testing.T) {
	c := ParseClaims(map[string]any{"sub": "u1", "hd": "example.com", "email": "A@Example.com"})
	assert.Equal(t, "a@example.com", c.Email)
	assert.Equal(t, map[string]any{"hd": "example.com"}, c.Extra)
}

func TestResolve_NoUsableID(t *testing.T) {
	r, _ := newResolver()

	_, err := r.Resolve(context.Background(), map[string]any{"email": "a@example.com", "sub": "  "})
	assert.ErrorIs(t, err, ErrIdentityResolution)
}

func TestResolve_CreatesThenReturnsSameIdentity(t *testing.T) {
	r, repo := newResolver()
	ctx := context.Background()

	first, err := r.Resolve(ctx, map[string]any{"sub": "u1", "email": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "u1", first.PrimaryID)
	assert.Equal(t, "sso", first.AuthProvider)

	second, err := r.Resolve(ctx, map[string]any{"sub": "u1"})
	require.NoError(t, err)
	assert.Equal(t, first.PrimaryID, second.PrimaryID)
	assert.Equal(t, 1, repo.Count())
}

func TestResolve_MergesNewAliasFromOtherProvider(t *testing.T) {
	r, repo := newResolver()
	ctx := context.Background()

	_, err := r.Resolve(ctx, map[string]any{"user_id": "app-1", "google_id": "g1"})
	require.NoError(t, err)

	// Later login through GitHub with the Google link still present.
	merged, err := r.Resolve(ctx, map[string]any{"google_id": "g1", "github_id": "gh9"})
	require.NoError(t, err)
	assert.Equal(t, "app-1", merged.PrimaryID)
	assert.ElementsMatch(t, []string{"google:g1", "github:gh9"}, merged.AlternateIDs)

	// Now resolvable through the new alias alone.
	viaGitHub, err := r.Resolve(ctx, map[string]any{"github_id": "gh9"})
	require.NoError(t, err)
	assert.Equal(t, "app-1", viaGitHub.PrimaryID)
	assert.Equal(t, 1, repo.Count())
}

func TestResolve_ConcurrentFirstSightCreatesOnce(t *testing.T) {
	r, repo := newResolver()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			identity, err := r.Resolve(ctx, map[string]any{"sub": "u1"})
			if assert.NoError(t, err) {
				ids[i] = identity.PrimaryID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, "u1", id)
	}
	assert.Equal(t, 1, repo.Count())
}

type racingRepo struct {
	*memory.IdentityRepository
	once sync.Once
}

// Create simulates another process inserting the same identity first.
func (r *racingRepo) Create(ctx context.Context, identity *domain.Identity) error {
	r.once.Do(func() {
		_ = r.IdentityRepository.Create(ctx, &domain.Identity{PrimaryID: identity.PrimaryID})
	})
	return r.IdentityRepository.Create(ctx, identity)
}

func TestResolve_LostCreateRaceMergesIntoWinner(t *testing.T) {
	repo := &racingRepo{IdentityRepository: memory.NewIdentityRepository()}
	r := NewResolver(repo, clock.Real())

	identity, err := r.Resolve(context.Background(), map[string]any{"sub": "u1", "google_id": "g1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.PrimaryID)
	assert.Equal(t, []string{"google:g1"}, identity.AlternateIDs)
}
