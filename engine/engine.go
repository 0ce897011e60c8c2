// Package engine enforces the relationship state machine. Every mutation is
// a single store transaction that re-reads the current record before
// validating preconditions, so two racing operations on the same pair always
// resolve to one winner and one typed failure.
package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/relationd/server/cache"
	"github.com/kasuganosora/relationd/server/directory"
	"github.com/kasuganosora/relationd/server/hub"
	"github.com/kasuganosora/relationd/server/model"
	"github.com/kasuganosora/relationd/server/profile"
	"github.com/kasuganosora/relationd/server/relerr"
	"github.com/kasuganosora/relationd/server/store"
	"go.uber.org/zap"
)

// Notifier receives fire-and-forget notification dispatches after committed
// mutations. Failures are the dispatcher's problem; the engine never waits.
type Notifier interface {
	Dispatch(userID, kind string, payload map[string]interface{})
}

// Options tunes engine behavior.
type Options struct {
	// TxRetries bounds automatic retries of conflicting transactions.
	TxRetries int
	// PageSizeMax caps list pagination.
	PageSizeMax int
}

// Engine executes relationship operations against the store.
type Engine struct {
	store    *store.Store
	dir      directory.Directory
	pubsub   cache.PubSub
	notifier Notifier
	profiles *profile.Cache
	log      *zap.Logger

	txRetries   int
	pageSizeMax int
}

// New creates an Engine. notifier and profiles may be nil (tests); pubsub is
// required for change propagation.
func New(s *store.Store, dir directory.Directory, ps cache.PubSub, notifier Notifier, profiles *profile.Cache, opts Options, log *zap.Logger) *Engine {
	retries := opts.TxRetries
	if retries <= 0 {
		retries = 3
	}
	pageMax := opts.PageSizeMax
	if pageMax <= 0 {
		pageMax = 100
	}
	return &Engine{
		store:       s,
		dir:         dir,
		pubsub:      ps,
		notifier:    notifier,
		profiles:    profiles,
		log:         log,
		txRetries:   retries,
		pageSizeMax: pageMax,
	}
}

// ---- mutations ----

// SendRequest creates a pending friend request from self to target, reusing
// a declined record for the pair if one exists.
func (e *Engine) SendRequest(ctx context.Context, self, target string) (*model.Relationship, error) {
	const op = "engine.SendRequest"
	if self == target {
		return nil, relerr.E(relerr.KindSelfReference, op, "cannot befriend yourself")
	}
	if err := e.requireUser(ctx, op, target); err != nil {
		return nil, err
	}

	var out *model.Relationship
	err := e.withRetry(ctx, op, func() error {
		return e.store.RunTransaction(ctx, func(tx *store.Tx) error {
			rec, err := tx.Get(self, target)
			if relerr.IsKind(err, relerr.KindNotFound) {
				low, high := model.SortPair(self, target)
				fresh := &model.Relationship{
					ID:          uuid.NewString(),
					UserLow:     low,
					UserHigh:    high,
					Type:        model.TypeFriendship,
					Status:      model.StatusPending,
					InitiatorID: self,
				}
				if err := tx.Create(fresh); err != nil {
					return err
				}
				out = fresh
				return nil
			}
			if err != nil {
				return err
			}

			switch rec.Status {
			case model.StatusPending:
				return relerr.E(relerr.KindAlreadyExists, op, "a request for this pair is already pending")
			case model.StatusAccepted:
				return relerr.E(relerr.KindAlreadyFriends, op, "already friends")
			case model.StatusBlocked:
				return relerr.E(relerr.KindBlocked, op, "pair is blocked")
			case model.StatusDeclined:
				// Re-request onto a declined record: same ID, new initiator.
				rec.Status = model.StatusPending
				rec.InitiatorID = self
				rec.BlockerID = ""
				rec.AcceptedAt = nil
				if err := tx.Save(rec); err != nil {
					return err
				}
				out = rec
				return nil
			default:
				return relerr.E(relerr.KindInvalidState, op, "record in unexpected status "+rec.Status)
			}
		})
	})
	if err != nil {
		return nil, err
	}

	e.afterCommit(out,
		notice{self, []hub.Channel{hub.ChannelOutgoing}},
		notice{target, []hub.Channel{hub.ChannelIncoming}},
	)
	if e.notifier != nil {
		e.notifier.Dispatch(target, model.NotifyFriendRequestReceived, map[string]interface{}{
			"relationship_id": out.ID,
			"from_user_id":    self,
		})
	}
	return out, nil
}

// AcceptRequest transitions a pending request to accepted. Only the
// non-initiating participant may accept.
func (e *Engine) AcceptRequest(ctx context.Context, self, relationshipID string) (*model.Relationship, error) {
	const op = "engine.AcceptRequest"
	var out *model.Relationship
	err := e.withRetry(ctx, op, func() error {
		return e.store.RunTransaction(ctx, func(tx *store.Tx) error {
			rec, err := e.participantRecord(tx, op, self, relationshipID)
			if err != nil {
				return err
			}
			if rec.Status != model.StatusPending {
				return relerr.E(relerr.KindInvalidState, op, "request is not pending")
			}
			if rec.InitiatorID == self {
				return relerr.E(relerr.KindUnauthorized, op, "cannot accept your own request")
			}
			now := time.Now()
			rec.Status = model.StatusAccepted
			rec.AcceptedAt = &now
			if err := tx.Save(rec); err != nil {
				return err
			}
			out = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	e.afterCommit(out,
		notice{out.InitiatorID, []hub.Channel{hub.ChannelFriends, hub.ChannelOutgoing}},
		notice{self, []hub.Channel{hub.ChannelFriends, hub.ChannelIncoming}},
	)
	if e.notifier != nil {
		e.notifier.Dispatch(out.InitiatorID, model.NotifyFriendRequestAccepted, map[string]interface{}{
			"relationship_id": out.ID,
			"by_user_id":      self,
		})
	}
	return out, nil
}

// DeclineRequest marks a pending request declined. The record is kept so a
// later SendRequest from either side reuses it.
func (e *Engine) DeclineRequest(ctx context.Context, self, relationshipID string) error {
	const op = "engine.DeclineRequest"
	var initiator string
	err := e.withRetry(ctx, op, func() error {
		return e.store.RunTransaction(ctx, func(tx *store.Tx) error {
			rec, err := e.participantRecord(tx, op, self, relationshipID)
			if err != nil {
				return err
			}
			if rec.Status != model.StatusPending {
				return relerr.E(relerr.KindInvalidState, op, "request is not pending")
			}
			if rec.InitiatorID == self {
				return relerr.E(relerr.KindUnauthorized, op, "cannot decline your own request")
			}
			rec.Status = model.StatusDeclined
			if err := tx.Save(rec); err != nil {
				return err
			}
			initiator = rec.InitiatorID
			return nil
		})
	})
	if err != nil {
		return err
	}

	e.publish(
		notice{initiator, []hub.Channel{hub.ChannelOutgoing}},
		notice{self, []hub.Channel{hub.ChannelIncoming}},
	)
	return nil
}

// CancelRequest deletes a pending request. Only the initiator may cancel.
func (e *Engine) CancelRequest(ctx context.Context, self, relationshipID string) error {
	const op = "engine.CancelRequest"
	var other string
	err := e.withRetry(ctx, op, func() error {
		return e.store.RunTransaction(ctx, func(tx *store.Tx) error {
			rec, err := e.participantRecord(tx, op, self, relationshipID)
			if err != nil {
				return err
			}
			if rec.Status != model.StatusPending {
				return relerr.E(relerr.KindInvalidState, op, "request is not pending")
			}
			if rec.InitiatorID != self {
				return relerr.E(relerr.KindUnauthorized, op, "only the initiator may cancel")
			}
			other = rec.OtherParticipant(self)
			return tx.Delete(rec)
		})
	})
	if err != nil {
		return err
	}

	e.publish(
		notice{self, []hub.Channel{hub.ChannelOutgoing}},
		notice{other, []hub.Channel{hub.ChannelIncoming}},
	)
	return nil
}

// Block imposes a block from self on target, superseding any prior state.
// With no existing record one is created directly in blocked status.
func (e *Engine) Block(ctx context.Context, self, target string) (*model.Relationship, error) {
	const op = "engine.Block"
	if self == target {
		return nil, relerr.E(relerr.KindSelfReference, op, "cannot block yourself")
	}
	if err := e.requireUser(ctx, op, target); err != nil {
		return nil, err
	}

	var out *model.Relationship
	err := e.withRetry(ctx, op, func() error {
		return e.store.RunTransaction(ctx, func(tx *store.Tx) error {
			rec, err := tx.Get(self, target)
			if relerr.IsKind(err, relerr.KindNotFound) {
				low, high := model.SortPair(self, target)
				fresh := &model.Relationship{
					ID:          uuid.NewString(),
					UserLow:     low,
					UserHigh:    high,
					Type:        model.TypeFriendship,
					Status:      model.StatusBlocked,
					InitiatorID: self,
					BlockerID:   self,
				}
				if err := tx.Create(fresh); err != nil {
					return err
				}
				out = fresh
				return nil
			}
			if err != nil {
				return err
			}
			rec.Status = model.StatusBlocked
			rec.BlockerID = self
			rec.AcceptedAt = nil
			if err := tx.Save(rec); err != nil {
				return err
			}
			out = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// A block can evict the pair from any list on either side, including the
	// target's blocked view when the block changes hands.
	e.afterCommit(out,
		notice{self, hub.AllChannels},
		notice{target, hub.AllChannels},
	)
	return out, nil
}

// Unblock deletes a blocked record. Only the blocker may unblock; the pair
// must re-request to reconnect.
func (e *Engine) Unblock(ctx context.Context, self, relationshipID string) error {
	const op = "engine.Unblock"
	err := e.withRetry(ctx, op, func() error {
		return e.store.RunTransaction(ctx, func(tx *store.Tx) error {
			rec, err := e.participantRecord(tx, op, self, relationshipID)
			if err != nil {
				return err
			}
			if rec.Status != model.StatusBlocked {
				return relerr.E(relerr.KindInvalidState, op, "relationship is not blocked")
			}
			if rec.BlockerID != self {
				return relerr.E(relerr.KindUnauthorized, op, "only the blocker may unblock")
			}
			return tx.Delete(rec)
		})
	})
	if err != nil {
		return err
	}

	e.publish(notice{self, []hub.Channel{hub.ChannelBlocked}})
	return nil
}

// RemoveFriend deletes an accepted relationship. Either participant may
// remove.
func (e *Engine) RemoveFriend(ctx context.Context, self, relationshipID string) error {
	const op = "engine.RemoveFriend"
	var other string
	err := e.withRetry(ctx, op, func() error {
		return e.store.RunTransaction(ctx, func(tx *store.Tx) error {
			rec, err := e.participantRecord(tx, op, self, relationshipID)
			if err != nil {
				return err
			}
			if rec.Status != model.StatusAccepted {
				return relerr.E(relerr.KindInvalidState, op, "relationship is not accepted")
			}
			other = rec.OtherParticipant(self)
			return tx.Delete(rec)
		})
	})
	if err != nil {
		return err
	}

	e.publish(
		notice{self, []hub.Channel{hub.ChannelFriends}},
		notice{other, []hub.Channel{hub.ChannelFriends}},
	)
	return nil
}

// ---- reads ----

// Relationship returns the record between self and other, or KindNotFound.
func (e *Engine) Relationship(ctx context.Context, self, other string) (*model.Relationship, error) {
	rec, err := e.store.Get(ctx, self, other)
	if err != nil {
		return nil, err
	}
	if e.profiles != nil {
		e.profiles.Touch([]model.Relationship{*rec})
	}
	return rec, nil
}

// IsFriend reports whether self and other have an accepted relationship.
func (e *Engine) IsFriend(ctx context.Context, self, other string) (bool, error) {
	return e.pairHasStatus(ctx, self, other, model.StatusAccepted)
}

// IsBlocked reports whether the pair is blocked in either direction.
func (e *Engine) IsBlocked(ctx context.Context, self, other string) (bool, error) {
	return e.pairHasStatus(ctx, self, other, model.StatusBlocked)
}

// HasIncoming reports whether other has a pending request to self.
func (e *Engine) HasIncoming(ctx context.Context, self, other string) (bool, error) {
	rec, err := e.store.Get(ctx, self, other)
	if relerr.IsKind(err, relerr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Status == model.StatusPending && rec.InitiatorID == other, nil
}

// HasOutgoing reports whether self has a pending request to other.
func (e *Engine) HasOutgoing(ctx context.Context, self, other string) (bool, error) {
	rec, err := e.store.Get(ctx, self, other)
	if relerr.IsKind(err, relerr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Status == model.StatusPending && rec.InitiatorID == self, nil
}

// Page is one page of a channel listing.
type Page struct {
	Items   []model.Relationship
	Total   int64
	HasNext bool
	HasPrev bool
}

// List returns one page of the user's channel, most recently updated first.
func (e *Engine) List(ctx context.Context, userID string, ch hub.Channel, page, pageSize int) (*Page, error) {
	const op = "engine.List"
	if page < 1 || pageSize < 1 || pageSize > e.pageSizeMax {
		return nil, relerr.E(relerr.KindInvalidPagination, op, "page must be >= 1 and page_size within bounds")
	}

	offset := (page - 1) * pageSize
	recs, total, err := e.store.PageByParticipant(ctx, hub.QueryFor(userID, ch), offset, pageSize)
	if err != nil {
		return nil, err
	}
	if e.profiles != nil {
		e.profiles.Touch(recs)
	}
	return &Page{
		Items:   recs,
		Total:   total,
		HasNext: int64(offset+len(recs)) < total,
		HasPrev: page > 1,
	}, nil
}

// Snapshot returns the full current list for a user's channel. Used by the
// subscription hub for stream emissions.
func (e *Engine) Snapshot(ctx context.Context, userID string, ch hub.Channel) ([]model.Relationship, error) {
	recs, err := e.store.ByParticipant(ctx, hub.QueryFor(userID, ch))
	if err != nil {
		return nil, err
	}
	if e.profiles != nil {
		e.profiles.Touch(recs)
	}
	return recs, nil
}

// ---- internals ----

type notice struct {
	userID   string
	channels []hub.Channel
}

func (e *Engine) participantRecord(tx *store.Tx, op, self, relationshipID string) (*model.Relationship, error) {
	rec, err := tx.GetByID(relationshipID)
	if err != nil {
		return nil, err
	}
	if !rec.HasParticipant(self) {
		return nil, relerr.E(relerr.KindUnauthorized, op, "caller is not a participant")
	}
	return rec, nil
}

func (e *Engine) requireUser(ctx context.Context, op, userID string) error {
	if userID == "" {
		return relerr.E(relerr.KindUserNotFound, op, "empty user id")
	}
	ok, err := e.dir.Exists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return relerr.E(relerr.KindUserNotFound, op, "no such user")
	}
	return nil
}

// withRetry runs fn, retrying conflicts with jittered backoff up to the
// configured bound, then surfaces the exhausted conflict as transient.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < e.txRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return relerr.Wrap(relerr.KindTransientStore, op, "canceled before commit", ctx.Err())
			case <-time.After(25*time.Millisecond + time.Duration(rand.Intn(50))*time.Millisecond):
			}
		}
		err = fn()
		if err == nil || !relerr.IsKind(err, relerr.KindConflict) {
			return err
		}
		e.log.Debug("transaction conflict, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1))
	}
	return relerr.Wrap(relerr.KindTransientStore, op, "transaction conflict persisted across retries", err)
}

// afterCommit publishes change notices and opportunistically warms the new
// record's profile cache. Both are async relative to the caller's mutation.
func (e *Engine) afterCommit(rec *model.Relationship, notices ...notice) {
	e.publish(notices...)
	if e.profiles != nil && rec != nil {
		e.profiles.Touch([]model.Relationship{*rec})
	}
}

// publish delivers change notices fire-and-forget: a slow broker must never
// stall the mutation that already committed.
func (e *Engine) publish(notices ...notice) {
	if e.pubsub == nil {
		return
	}
	go func() {
		for _, n := range notices {
			payload := hub.ChangeNotice{Channels: n.channels}.Encode()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := e.pubsub.Publish(ctx, hub.TopicFor(n.userID), payload); err != nil {
				e.log.Warn("change notice publish failed",
					zap.String("user_id", n.userID),
					zap.Error(err))
			}
			cancel()
		}
	}()
}

// pairHasStatus is the shared impl for IsFriend / IsBlocked.
func (e *Engine) pairHasStatus(ctx context.Context, self, other, status string) (bool, error) {
	rec, err := e.store.Get(ctx, self, other)
	if relerr.IsKind(err, relerr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Status == status, nil
}
