package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/relationd/server/model"
	"github.com/kasuganosora/relationd/server/relerr"
	"github.com/kasuganosora/relationd/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(testutil.SetupTestDB(t))
}

func seed(t *testing.T, s *Store, a, b, status, initiator string) *model.Relationship {
	t.Helper()
	low, high := model.SortPair(a, b)
	rec := &model.Relationship{
		ID:          uuid.NewString(),
		UserLow:     low,
		UserHigh:    high,
		Type:        model.TypeFriendship,
		Status:      status,
		InitiatorID: initiator,
	}
	require.NoError(t, s.RunTransaction(context.Background(), func(tx *Tx) error {
		return tx.Create(rec)
	}))
	return rec
}

func TestGet_PairSymmetry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, "bob", "alice", model.StatusPending, "bob")

	r1, err := s.Get(ctx, "alice", "bob")
	require.NoError(t, err)
	r2, err := s.Get(ctx, "bob", "alice")
	require.NoError(t, err)

	assert.Equal(t, r1.ID, r2.ID)
	assert.Equal(t, "alice", r1.UserLow)
	assert.Equal(t, "bob", r1.UserHigh)
}

func TestGet_Missing(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "alice", "bob")
	assert.Equal(t, relerr.KindNotFound, relerr.KindOf(err))
}

func TestGetByID(t *testing.T) {
	s := newStore(t)
	rec := seed(t, s, "alice", "bob", model.StatusAccepted, "alice")

	got, err := s.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.PairKey(), got.PairKey())

	_, err = s.GetByID(context.Background(), uuid.NewString())
	assert.Equal(t, relerr.KindNotFound, relerr.KindOf(err))
}

func TestByParticipant_ChannelFilters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	seed(t, s, "me", "friend1", model.StatusAccepted, "me")
	seed(t, s, "me", "friend2", model.StatusAccepted, "friend2")
	seed(t, s, "me", "asker", model.StatusPending, "asker")   // incoming
	seed(t, s, "me", "target", model.StatusPending, "me")     // outgoing
	blocked := seed(t, s, "me", "enemy", model.StatusBlocked, "me")
	require.NoError(t, s.RunTransaction(ctx, func(tx *Tx) error {
		rec, err := tx.GetByID(blocked.ID)
		if err != nil {
			return err
		}
		rec.BlockerID = "me"
		return tx.Save(rec)
	}))
	// A block imposed by someone else must not appear in "me"'s blocked view.
	other := seed(t, s, "me", "hater", model.StatusBlocked, "hater")
	require.NoError(t, s.RunTransaction(ctx, func(tx *Tx) error {
		rec, err := tx.GetByID(other.ID)
		if err != nil {
			return err
		}
		rec.BlockerID = "hater"
		return tx.Save(rec)
	}))

	friends, err := s.ByParticipant(ctx, Query{UserID: "me", Status: model.StatusAccepted})
	require.NoError(t, err)
	assert.Len(t, friends, 2)

	incoming, err := s.ByParticipant(ctx, Query{UserID: "me", Status: model.StatusPending, Initiator: InitiatorOther})
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, "asker", incoming[0].InitiatorID)

	outgoing, err := s.ByParticipant(ctx, Query{UserID: "me", Status: model.StatusPending, Initiator: InitiatorSelf})
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	assert.Equal(t, "me", outgoing[0].InitiatorID)

	blockedList, err := s.ByParticipant(ctx, Query{UserID: "me", Status: model.StatusBlocked, BlockerOnly: true})
	require.NoError(t, err)
	require.Len(t, blockedList, 1)
	assert.Equal(t, blocked.ID, blockedList[0].ID)
}

func TestPageByParticipant(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		seed(t, s, "me", uuid.NewString(), model.StatusAccepted, "me")
	}

	recs, total, err := s.PageByParticipant(ctx, Query{UserID: "me", Status: model.StatusAccepted}, 0, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, recs, 2)

	recs, total, err = s.PageByParticipant(ctx, Query{UserID: "me", Status: model.StatusAccepted}, 4, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, recs, 1)
}

func TestCreate_DuplicatePairConflicts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, "alice", "bob", model.StatusPending, "alice")

	err := s.RunTransaction(ctx, func(tx *Tx) error {
		return tx.Create(&model.Relationship{
			ID:       uuid.NewString(),
			UserLow:  "alice",
			UserHigh: "bob",
			Type:     model.TypeFriendship,
			Status:   model.StatusPending,
		})
	})
	assert.Equal(t, relerr.KindConflict, relerr.KindOf(err))
}

func TestRunTransaction_RollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.RunTransaction(ctx, func(tx *Tx) error {
		if err := tx.Create(&model.Relationship{
			ID:       uuid.NewString(),
			UserLow:  "alice",
			UserHigh: "bob",
			Type:     model.TypeFriendship,
			Status:   model.StatusPending,
		}); err != nil {
			return err
		}
		return relerr.E(relerr.KindInvalidState, "test", "abort")
	})
	require.Error(t, err)
	assert.Equal(t, relerr.KindInvalidState, relerr.KindOf(err))

	_, err = s.Get(ctx, "alice", "bob")
	assert.Equal(t, relerr.KindNotFound, relerr.KindOf(err), "write must not survive the aborted transaction")
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, "alice", "bob", model.StatusAccepted, "alice")

	require.NoError(t, s.Delete(ctx, "bob", "alice"))
	_, err := s.Get(ctx, "alice", "bob")
	assert.Equal(t, relerr.KindNotFound, relerr.KindOf(err))

	err = s.Delete(ctx, "alice", "bob")
	assert.Equal(t, relerr.KindNotFound, relerr.KindOf(err))
}

func TestDeleteStaleDeclined(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, "alice", "bob", model.StatusDeclined, "alice")
	seed(t, s, "alice", "carol", model.StatusAccepted, "alice")

	n, err := s.DeleteStaleDeclined(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Get(ctx, "alice", "bob")
	assert.Equal(t, relerr.KindNotFound, relerr.KindOf(err))
	_, err = s.Get(ctx, "alice", "carol")
	assert.NoError(t, err)
}
