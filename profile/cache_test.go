package profile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/relationd/server/directory"
	"github.com/kasuganosora/relationd/server/model"
	"github.com/kasuganosora/relationd/server/relerr"
	"github.com/kasuganosora/relationd/server/store"
	"github.com/kasuganosora/relationd/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDirectory struct {
	mu       sync.Mutex
	profiles map[string]directory.Profile
	fail     bool
	calls    int
}

func (d *fakeDirectory) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDirectory) GetProfile(_ context.Context, userID string) (directory.Profile, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.fail {
		return directory.Profile{}, relerr.E(relerr.KindTransientStore, "fake", "directory down")
	}
	p, ok := d.profiles[userID]
	if !ok {
		return directory.Profile{}, relerr.E(relerr.KindUserNotFound, "fake", "no such user")
	}
	return p, nil
}

func (d *fakeDirectory) Exists(_ context.Context, userID string) (bool, error) {
	_, ok := d.profiles[userID]
	return ok, nil
}

func setup(t *testing.T, dir directory.Directory, ttl time.Duration) (*Cache, *store.Store) {
	t.Helper()
	st := store.New(testutil.SetupTestDB(t))
	return New(st, dir, ttl, zap.NewNop()), st
}

func seedRel(t *testing.T, st *store.Store, a, b string) *model.Relationship {
	t.Helper()
	low, high := model.SortPair(a, b)
	rec := &model.Relationship{
		ID:          uuid.NewString(),
		UserLow:     low,
		UserHigh:    high,
		Type:        model.TypeFriendship,
		Status:      model.StatusAccepted,
		InitiatorID: a,
	}
	require.NoError(t, st.RunTransaction(context.Background(), func(tx *store.Tx) error {
		return tx.Create(rec)
	}))
	return rec
}

func TestExpired(t *testing.T) {
	c, _ := setup(t, &fakeDirectory{}, time.Minute)

	assert.True(t, c.Expired(model.CachedProfile{}), "zero entry is always expired")
	assert.False(t, c.Expired(model.CachedProfile{CachedAt: time.Now()}))
	assert.True(t, c.Expired(model.CachedProfile{CachedAt: time.Now().Add(-2 * time.Minute)}))
}

func TestRefresh_PersistsProfile(t *testing.T) {
	dir := &fakeDirectory{profiles: map[string]directory.Profile{
		"bob": {DisplayName: "Bob", PhotoRef: "img/bob.png"},
	}}
	c, st := setup(t, dir, time.Minute)
	rec := seedRel(t, st, "alice", "bob")

	updated, err := c.Refresh(context.Background(), rec, "bob")
	require.NoError(t, err)

	got := updated.Profiles()["bob"]
	assert.Equal(t, "Bob", got.DisplayName)
	assert.Equal(t, "img/bob.png", got.PhotoRef)
	assert.WithinDuration(t, time.Now(), got.CachedAt, time.Minute)

	// Persisted, not only in the returned copy.
	fromDB, err := st.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bob", fromDB.Profiles()["bob"].DisplayName)
}

func TestRefresh_DirectoryFailure(t *testing.T) {
	dir := &fakeDirectory{fail: true}
	c, st := setup(t, dir, time.Minute)
	rec := seedRel(t, st, "alice", "bob")

	_, err := c.Refresh(context.Background(), rec, "bob")
	assert.Error(t, err)

	// The record is untouched; the stale (here: absent) entry is served.
	fromDB, _ := st.GetByID(context.Background(), rec.ID)
	assert.Empty(t, fromDB.Profiles())
}

func TestRefresh_DeletedRecord(t *testing.T) {
	dir := &fakeDirectory{profiles: map[string]directory.Profile{"bob": {DisplayName: "Bob"}}}
	c, st := setup(t, dir, time.Minute)
	rec := seedRel(t, st, "alice", "bob")
	require.NoError(t, st.Delete(context.Background(), "alice", "bob"))

	_, err := c.Refresh(context.Background(), rec, "bob")
	assert.Equal(t, relerr.KindNotFound, relerr.KindOf(err))
}

func TestTouch_RefreshesExpiredEntries(t *testing.T) {
	dir := &fakeDirectory{profiles: map[string]directory.Profile{
		"alice": {DisplayName: "Alice"},
		"bob":   {DisplayName: "Bob"},
	}}
	c, st := setup(t, dir, time.Minute)
	rec := seedRel(t, st, "alice", "bob")

	c.Touch([]model.Relationship{*rec})
	c.Wait()

	fromDB, err := st.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	profiles := fromDB.Profiles()
	assert.Equal(t, "Alice", profiles["alice"].DisplayName)
	assert.Equal(t, "Bob", profiles["bob"].DisplayName)
}

func TestTouch_SkipsFreshEntries(t *testing.T) {
	dir := &fakeDirectory{profiles: map[string]directory.Profile{
		"alice": {DisplayName: "Alice"},
		"bob":   {DisplayName: "Bob"},
	}}
	c, st := setup(t, dir, time.Minute)
	rec := seedRel(t, st, "alice", "bob")

	require.NoError(t, rec.SetProfiles(map[string]model.CachedProfile{
		"alice": {DisplayName: "Alice", CachedAt: time.Now()},
		"bob":   {DisplayName: "Bob", CachedAt: time.Now()},
	}))
	require.NoError(t, st.RunTransaction(context.Background(), func(tx *store.Tx) error {
		cur, err := tx.GetByID(rec.ID)
		if err != nil {
			return err
		}
		cur.CachedProfiles = rec.CachedProfiles
		return tx.Save(cur)
	}))

	fromDB, _ := st.GetByID(context.Background(), rec.ID)
	c.Touch([]model.Relationship{*fromDB})
	c.Wait()

	assert.Zero(t, dir.callCount(), "fresh entries must not hit the directory")
}

func TestTouch_FailureIsNonFatal(t *testing.T) {
	dir := &fakeDirectory{fail: true}
	c, st := setup(t, dir, time.Minute)
	rec := seedRel(t, st, "alice", "bob")

	// Must not panic or wedge; the next Touch retries.
	c.Touch([]model.Relationship{*rec})
	c.Wait()
	c.Touch([]model.Relationship{*rec})
	c.Wait()
	assert.GreaterOrEqual(t, dir.callCount(), 2)
}
