package directory_test

import (
	"context"
	"testing"

	"github.com/kasuganosora/relationd/server/directory"
	"github.com/kasuganosora/relationd/server/model"
	"github.com/kasuganosora/relationd/server/relerr"
	"github.com/kasuganosora/relationd/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetProfile(t *testing.T) {
	db := testutil.SetupTestDB(t)
	id := testutil.SeedAccount(t, db, "alice", "Alice A")
	require.NoError(t, db.Model(&model.Account{}).Where("id = ?", id).
		Update("photo_ref", "avatars/alice.png").Error)

	dir := directory.NewGormDirectory(db)
	p, err := dir.GetProfile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Alice A", p.DisplayName)
	assert.Equal(t, "avatars/alice.png", p.PhotoRef)
}

func TestGetProfileFallsBackToUsername(t *testing.T) {
	db := testutil.SetupTestDB(t)
	id := testutil.SeedAccount(t, db, "bob", "")

	dir := directory.NewGormDirectory(db)
	p, err := dir.GetProfile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.DisplayName)
}

func TestGetProfileUnknownUser(t *testing.T) {
	db := testutil.SetupTestDB(t)

	dir := directory.NewGormDirectory(db)
	_, err := dir.GetProfile(context.Background(), "missing")
	assert.True(t, relerr.IsKind(err, relerr.KindUserNotFound))
}

func TestExists(t *testing.T) {
	db := testutil.SetupTestDB(t)
	id := testutil.SeedAccount(t, db, "carol", "Carol")

	dir := directory.NewGormDirectory(db)
	ok, err := dir.Exists(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = dir.Exists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
