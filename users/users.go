// Package users resolves usernames to upload groups, caching results from
// the user service. Group lookups sit on the admission and bandwidth hot
// paths, and the user service may be remote.
package users

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/WastedYouthinHell/soulshare/soul"
)

const (
	cacheTTL   = 5 * time.Minute
	cacheSweep = 10 * time.Minute
)

// Resolver answers group lookups for the queue and the governor, backed by
// the user service with a TTL cache. Lookup failures resolve to the
// default group rather than stalling admission.
type Resolver struct {
	service soul.UserService
	cache   *gocache.Cache
	log     *logrus.Entry
}

// NewResolver builds a Resolver over the given user service.
func NewResolver(service soul.UserService) *Resolver {
	return &Resolver{
		service: service,
		cache:   gocache.New(cacheTTL, cacheSweep),
		log:     logrus.WithField("component", "users"),
	}
}

// Group returns the group name for username, or the default group when
// the user service has no mapping or fails.
func (r *Resolver) Group(ctx context.Context, username string) string {
	if cached, ok := r.cache.Get(username); ok {
		return cached.(string)
	}
	group, err := r.service.Group(ctx, username)
	if err != nil {
		r.log.WithError(err).WithField("username", username).
			Warn("group lookup failed, using default")
		return soul.GroupDefault
	}
	if group == "" {
		group = soul.GroupDefault
	}
	r.cache.Set(username, group, gocache.DefaultExpiration)
	return group
}

// Flush drops all cached mappings, forcing fresh lookups.
func (r *Resolver) Flush() {
	r.cache.Flush()
}

// Static is a UserService for deployments without a user database: every
// user resolves to the default group and peer watching is a no-op.
type Static struct{}

// Group implements soul.UserService.
func (Static) Group(ctx context.Context, username string) (string, error) {
	return soul.GroupDefault, nil
}

// IsWatched implements soul.UserService. It reports true so callers never
// try to establish a watch there is no server connection for.
func (Static) IsWatched(username string) bool { return true }

// Watch implements soul.UserService.
func (Static) Watch(ctx context.Context, username string) error { return nil }
