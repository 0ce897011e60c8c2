package hub

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/relationd/server/cache"
	"github.com/kasuganosora/relationd/server/model"
	"github.com/kasuganosora/relationd/server/store"
	"github.com/kasuganosora/relationd/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHub(t *testing.T) (*Hub, *store.Store, cache.PubSub) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	_, ps := testutil.SetupTestCache(t)
	st := store.New(db)
	h := New(st, ps, zap.NewNop())
	t.Cleanup(h.Close)
	return h, st, ps
}

func seedRel(t *testing.T, st *store.Store, a, b, status, initiator, blocker string) *model.Relationship {
	t.Helper()
	low, high := model.SortPair(a, b)
	rec := &model.Relationship{
		ID:          uuid.NewString(),
		UserLow:     low,
		UserHigh:    high,
		Type:        model.TypeFriendship,
		Status:      status,
		InitiatorID: initiator,
		BlockerID:   blocker,
	}
	require.NoError(t, st.RunTransaction(context.Background(), func(tx *store.Tx) error {
		return tx.Create(rec)
	}))
	return rec
}

func recv(t *testing.T, sub *Subscription) []model.Relationship {
	t.Helper()
	select {
	case snap, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for emission")
		return nil
	}
}

func TestSubscribe_InitialSnapshot(t *testing.T) {
	h, st, _ := newHub(t)
	seedRel(t, st, "alice", "bob", model.StatusAccepted, "alice", "")

	sub, err := h.Subscribe(context.Background(), "alice", ChannelFriends)
	require.NoError(t, err)
	defer sub.Close()

	snap := recv(t, sub)
	require.Len(t, snap, 1)
	assert.Equal(t, model.StatusAccepted, snap[0].Status)
}

func TestSubscribe_EmptySnapshotIsEmitted(t *testing.T) {
	h, _, _ := newHub(t)

	sub, err := h.Subscribe(context.Background(), "loner", ChannelFriends)
	require.NoError(t, err)
	defer sub.Close()

	assert.Empty(t, recv(t, sub))
}

func TestNotify_ReemitsAffectedChannel(t *testing.T) {
	h, st, _ := newHub(t)

	sub, err := h.Subscribe(context.Background(), "alice", ChannelIncoming)
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, recv(t, sub))

	seedRel(t, st, "alice", "bob", model.StatusPending, "bob", "")
	h.Notify("alice", ChannelIncoming)

	snap := recv(t, sub)
	require.Len(t, snap, 1)
	assert.Equal(t, "bob", snap[0].InitiatorID)
}

func TestNotify_UnrelatedChannelStaysQuiet(t *testing.T) {
	h, st, _ := newHub(t)

	sub, err := h.Subscribe(context.Background(), "alice", ChannelFriends)
	require.NoError(t, err)
	defer sub.Close()
	recv(t, sub) // initial

	seedRel(t, st, "alice", "bob", model.StatusPending, "bob", "")
	h.Notify("alice", ChannelIncoming)

	select {
	case snap := <-sub.C():
		t.Fatalf("friends subscriber got emission for incoming change: %v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPubSubNotice_ReachesSubscriber(t *testing.T) {
	h, st, ps := newHub(t)

	sub, err := h.Subscribe(context.Background(), "alice", ChannelOutgoing)
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, recv(t, sub))

	seedRel(t, st, "alice", "bob", model.StatusPending, "alice", "")
	require.NoError(t, ps.Publish(context.Background(), TopicFor("alice"),
		ChangeNotice{Channels: []Channel{ChannelOutgoing}}.Encode()))

	snap := recv(t, sub)
	require.Len(t, snap, 1)
	assert.Equal(t, "alice", snap[0].InitiatorID)
}

func TestCoalescing_BurstYieldsLatestTruth(t *testing.T) {
	h, st, _ := newHub(t)

	sub, err := h.Subscribe(context.Background(), "alice", ChannelFriends)
	require.NoError(t, err)
	defer sub.Close()
	recv(t, sub) // initial, empty

	// Burst of changes with nobody draining: the slow consumer must end up
	// with the final truth, not a backlog of stale snapshots.
	others := []string{"bob", "carol", "dave", "erin"}
	for _, other := range others {
		seedRel(t, st, "alice", other, model.StatusAccepted, "alice", "")
		h.Notify("alice", ChannelFriends)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := recv(t, sub)
		if len(snap) == len(others) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("never converged to full snapshot, last len=%d", len(snap))
		}
	}
}

func TestClose_Subscription(t *testing.T) {
	h, _, _ := newHub(t)

	sub, err := h.Subscribe(context.Background(), "alice", ChannelFriends)
	require.NoError(t, err)
	recv(t, sub)

	sub.Close()
	sub.Close() // idempotent

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "stream should be closed")
	case <-time.After(time.Second):
		t.Fatal("stream not closed after Close")
	}

	// Notices after close must not panic or leak.
	h.Notify("alice", ChannelFriends)
}

func TestResubscribe_GetsFreshSnapshot(t *testing.T) {
	h, st, _ := newHub(t)

	first, err := h.Subscribe(context.Background(), "alice", ChannelIncoming)
	require.NoError(t, err)
	assert.Empty(t, recv(t, first))
	first.Close()

	// Mutations while disconnected.
	seedRel(t, st, "alice", "bob", model.StatusPending, "bob", "")
	seedRel(t, st, "alice", "carol", model.StatusPending, "carol", "")

	second, err := h.Subscribe(context.Background(), "alice", ChannelIncoming)
	require.NoError(t, err)
	defer second.Close()

	snap := recv(t, second)
	assert.Len(t, snap, 2, "reconnect must deliver current truth, not replayed deltas")
}

func TestHubClose_RefusesNewSubscribers(t *testing.T) {
	h, _, _ := newHub(t)
	h.Close()

	_, err := h.Subscribe(context.Background(), "alice", ChannelFriends)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseChannel(t *testing.T) {
	for _, name := range []string{"friends", "incoming", "outgoing", "blocked"} {
		ch, ok := ParseChannel(name)
		assert.True(t, ok)
		assert.Equal(t, Channel(name), ch)
	}
	_, ok := ParseChannel("everything")
	assert.False(t, ok)
}
