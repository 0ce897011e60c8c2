// Package profile keeps the counterpart profiles embedded in relationship
// records fresh without forcing a directory fetch on every read.
package profile

import (
	"context"
	"sync"
	"time"

	"github.com/kasuganosora/relationd/server/directory"
	"github.com/kasuganosora/relationd/server/model"
	"github.com/kasuganosora/relationd/server/store"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long a cached profile entry is served before a lazy
// refresh is attempted.
const DefaultTTL = 5 * time.Minute

const refreshTimeout = 5 * time.Second

// Cache lazily refreshes the cached_profiles column of relationship records.
// Refreshes run in the background and never block the read that triggered
// them; a failed refresh leaves the stale entry in place for next time.
type Cache struct {
	store *store.Store
	dir   directory.Directory
	ttl   time.Duration
	log   *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{} // recordID:userID currently refreshing
}

// New creates a profile Cache. ttl <= 0 falls back to DefaultTTL.
func New(s *store.Store, dir directory.Directory, ttl time.Duration, log *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:    s,
		dir:      dir,
		ttl:      ttl,
		log:      log,
		inflight: make(map[string]struct{}),
	}
}

// Expired reports whether a cached entry is past its TTL. The zero value
// (entry never written) is always expired.
func (c *Cache) Expired(p model.CachedProfile) bool {
	return time.Since(p.CachedAt) > c.ttl
}

// Refresh fetches userID's current profile from the directory, persists it
// into the record's cache, and returns the updated record.
func (c *Cache) Refresh(ctx context.Context, rec *model.Relationship, userID string) (*model.Relationship, error) {
	prof, err := c.dir.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out *model.Relationship
	err = c.store.RunTransaction(ctx, func(tx *store.Tx) error {
		cur, err := tx.GetByID(rec.ID)
		if err != nil {
			return err
		}
		profiles := cur.Profiles()
		profiles[userID] = model.CachedProfile{
			DisplayName: prof.DisplayName,
			PhotoRef:    prof.PhotoRef,
			CachedAt:    time.Now(),
		}
		if err := cur.SetProfiles(profiles); err != nil {
			return err
		}
		if err := tx.Save(cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Touch scans records returned from a read path and starts a background
// refresh for every expired participant entry. At most one refresh per
// (record, user) runs at a time; duplicates are skipped.
func (c *Cache) Touch(recs []model.Relationship) {
	for i := range recs {
		rec := recs[i]
		profiles := rec.Profiles()
		for _, uid := range rec.Participants() {
			if !c.Expired(profiles[uid]) {
				continue
			}
			c.startRefresh(rec, uid)
		}
	}
}

func (c *Cache) startRefresh(rec model.Relationship, userID string) {
	key := rec.ID + ":" + userID
	c.mu.Lock()
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return
	}
	c.inflight[key] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if _, err := c.Refresh(ctx, &rec, userID); err != nil {
			// Non-fatal: the stale entry keeps being served and a later
			// read retries.
			c.log.Debug("profile refresh failed",
				zap.String("relationship_id", rec.ID),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}()
}

// Wait blocks until no refresh is in flight. Test helper.
func (c *Cache) Wait() {
	for {
		c.mu.Lock()
		n := len(c.inflight)
		c.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
