// Package prefs caches user preferences and activity profiles read from the
// external preference store. The engine consults preferences on every
// scheduling decision, so reads are served from a TTL cache with
// stale-while-revalidate semantics: an expired value is returned immediately
// while one refresh per key runs in the background.
package prefs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"growmate/internal/types"
)

// DefaultTTL is the cache freshness window when none is configured.
const DefaultTTL = 15 * time.Minute

type cached[T any] struct {
	value     *T
	fetchedAt time.Time
}

// Cache fronts a PreferenceSource with per-user TTL caching. Concurrent
// misses for the same user collapse into one upstream fetch via
// singleflight.
type Cache struct {
	source types.PreferenceSource
	ttl    time.Duration
	clock  types.Clock
	logger types.Logger

	group singleflight.Group

	mu       sync.RWMutex
	prefs    map[string]cached[types.UserPreferences]
	profiles map[string]cached[types.UserActivityProfile]
}

// NewCache creates a preference cache over the given source. A non-positive
// ttl falls back to DefaultTTL.
func NewCache(source types.PreferenceSource, ttl time.Duration, clock types.Clock, logger types.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Cache{
		source:   source,
		ttl:      ttl,
		clock:    clock,
		logger:   logger,
		prefs:    make(map[string]cached[types.UserPreferences]),
		profiles: make(map[string]cached[types.UserActivityProfile]),
	}
}

// Preferences returns the user's notification preferences. Fresh cache hits
// are served directly; stale hits are served while a background refresh
// runs; misses fetch synchronously.
func (c *Cache) Preferences(ctx context.Context, userID string) (*types.UserPreferences, error) {
	c.mu.RLock()
	entry, ok := c.prefs[userID]
	c.mu.RUnlock()

	if ok {
		if c.clock.Now().Sub(entry.fetchedAt) <= c.ttl {
			return entry.value, nil
		}
		c.refreshPrefs(userID)
		return entry.value, nil
	}

	v, err, _ := c.group.Do("prefs:"+userID, func() (any, error) {
		return c.fetchPrefs(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.UserPreferences), nil
}

// Profile returns the user's activity profile with the same caching
// semantics as Preferences. A nil profile (user has no history yet) is a
// valid cached value.
func (c *Cache) Profile(ctx context.Context, userID string) (*types.UserActivityProfile, error) {
	c.mu.RLock()
	entry, ok := c.profiles[userID]
	c.mu.RUnlock()

	if ok {
		if c.clock.Now().Sub(entry.fetchedAt) <= c.ttl {
			return entry.value, nil
		}
		c.refreshProfile(userID)
		return entry.value, nil
	}

	v, err, _ := c.group.Do("profile:"+userID, func() (any, error) {
		return c.fetchProfile(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.UserActivityProfile), nil
}

// Invalidate drops a user's cached values, forcing the next read upstream.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.prefs, userID)
	delete(c.profiles, userID)
	c.mu.Unlock()
}

// Size returns the number of users with a cached activity profile.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.profiles)
}

func (c *Cache) fetchPrefs(ctx context.Context, userID string) (*types.UserPreferences, error) {
	prefs, err := c.source.GetPreferences(ctx, userID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamPrefs, "failed to fetch user preferences", err)
	}

	c.mu.Lock()
	c.prefs[userID] = cached[types.UserPreferences]{value: prefs, fetchedAt: c.clock.Now()}
	c.mu.Unlock()
	return prefs, nil
}

func (c *Cache) fetchProfile(ctx context.Context, userID string) (*types.UserActivityProfile, error) {
	profile, err := c.source.GetActivityProfile(ctx, userID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamPrefs, "failed to fetch activity profile", err)
	}

	c.mu.Lock()
	c.profiles[userID] = cached[types.UserActivityProfile]{value: profile, fetchedAt: c.clock.Now()}
	c.mu.Unlock()
	return profile, nil
}

// refreshPrefs kicks off one background refetch per key. The stale value
// keeps serving until the refetch lands; refresh failures are logged and the
// stale value stays.
func (c *Cache) refreshPrefs(userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err, _ := c.group.Do("prefs:"+userID, func() (any, error) {
			return c.fetchPrefs(ctx, userID)
		})
		if err != nil {
			c.logger.Warn("background preference refresh failed, serving stale value",
				"user_id", userID,
				"error", err.Error(),
			)
		}
	}()
}

func (c *Cache) refreshProfile(userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err, _ := c.group.Do("profile:"+userID, func() (any, error) {
			return c.fetchProfile(ctx, userID)
		})
		if err != nil {
			c.logger.Warn("background profile refresh failed, serving stale value",
				"user_id", userID,
				"error", err.Error(),
			)
		}
	}()
}
