package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultTTL bounds how long a cached mapping is trusted before it is read
// again from the store, where another process may have superseded it
const DefaultTTL = 5 * time.Minute

type cacheEntry struct {
	externalID string
	expires    time.Time
}

// Map resolves internal actors to provider ids. Lookups are served from an
// in-process cache keyed like the store (provider/actor).
type Map struct {
	store  storage.Store
	clock  clock.Clock
	ttl    time.Duration
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New creates an identity map over store. ttl <= 0 uses DefaultTTL.
func New(store storage.Store, clk clock.Clock, ttl time.Duration) *Map {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Map{
		store:  store,
		clock:  clk,
		ttl:    ttl,
		logger: log.WithComponent("identity"),
		cache:  make(map[string]cacheEntry),
	}
}

func cacheKey(p types.Provider, actorID string) string {
	return string(p) + "/" + actorID
}

// Resolve returns the provider's id for an actor. found is false when no
// mapping exists; misses are not cached so a mapping created elsewhere is
// seen on the next call.
func (m *Map) Resolve(ctx context.Context, actorID string, p types.Provider) (string, bool, error) {
	key := cacheKey(p, actorID)
	now := m.clock.Now()

	m.mu.RLock()
	entry, ok := m.cache[key]
	m.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.externalID, true, nil
	}

	mapping, err := m.store.GetIdentity(ctx, p, actorID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load identity %s: %w", key, err)
	}

	m.remember(key, mapping.ExternalID, now)
	return mapping.ExternalID, true, nil
}

// Record upserts the mapping for (actor, provider) and stamps VerifiedAt. A
// different external id replaces the current one and the previous id is kept
// in Superseded; mappings are never deleted.
func (m *Map) Record(ctx context.Context, actorID string, p types.Provider, externalID string) error {
	if actorID == "" || externalID == "" {
		return fmt.Errorf("actor id and external id are required")
	}
	key := cacheKey(p, actorID)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	mapping, err := m.store.GetIdentity(ctx, p, actorID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		mapping = &types.IdentityMapping{ActorID: actorID, Provider: p}
	case err != nil:
		return fmt.Errorf("failed to load identity %s: %w", key, err)
	}

	if mapping.ExternalID != "" && mapping.ExternalID != externalID {
		mapping.Superseded = append(mapping.Superseded, types.SupersededID{
			ExternalID: mapping.ExternalID,
			ReplacedAt: now,
		})
		m.logger.Info().
			Str("actor_id", actorID).
			Str("provider", string(p)).
			Str("previous", mapping.ExternalID).
			Str("external_id", externalID).
			Msg("Identity mapping superseded")
	}
	mapping.ExternalID = externalID
	mapping.VerifiedAt = now

	if err := m.store.PutIdentity(ctx, mapping); err != nil {
		return fmt.Errorf("failed to save identity %s: %w", key, err)
	}

	m.cache[key] = cacheEntry{externalID: externalID, expires: now.Add(m.ttl)}
	return nil
}

// Get returns the full mapping, including superseded ids
func (m *Map) Get(ctx context.Context, actorID string, p types.Provider) (*types.IdentityMapping, error) {
	return m.store.GetIdentity(ctx, p, actorID)
}

func (m *Map) remember(key, externalID string, now time.Time) {
	m.mu.Lock()
	m.cache[key] = cacheEntry{externalID: externalID, expires: now.Add(m.ttl)}
	m.mu.Unlock()
}
