// Package hub delivers relationship change events to per-user logical
// streams. Every emission is the full current list for a channel, never a
// delta, so a late or reconnecting subscriber only needs the next emission
// to be correct.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kasuganosora/relationd/server/cache"
	"github.com/kasuganosora/relationd/server/model"
	"github.com/kasuganosora/relationd/server/store"
	"go.uber.org/zap"
)

const snapshotTimeout = 5 * time.Second

// ErrClosed is returned by Subscribe after the hub has shut down.
var ErrClosed = errors.New("hub: closed")

// Hub fans committed relationship changes out to channel subscribers. It
// listens on the pub/sub bus so notices published by any instance reach
// local subscribers.
type Hub struct {
	store  *store.Store
	pubsub cache.PubSub
	log    *zap.Logger

	mu     sync.Mutex
	users  map[string]*userEntry
	closed bool
}

type userEntry struct {
	subs   map[*Subscription]struct{}
	cancel func() // pubsub unsubscribe for this user's topic
}

// Subscription is one observer of a user's channel. Consume via C; Close is
// idempotent and drops any in-flight emission silently.
type Subscription struct {
	hub     *Hub
	userID  string
	channel Channel

	out    chan []model.Relationship
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New creates a Hub.
func New(s *store.Store, ps cache.PubSub, log *zap.Logger) *Hub {
	return &Hub{
		store:  s,
		pubsub: ps,
		log:    log,
		users:  make(map[string]*userEntry),
	}
}

// Subscribe registers an observer for one of userID's channels. The first
// emission is a fresh full snapshot; later emissions follow change notices.
func (h *Hub) Subscribe(ctx context.Context, userID string, channel Channel) (*Subscription, error) {
	sub := &Subscription{
		hub:     h,
		userID:  userID,
		channel: channel,
		out:     make(chan []model.Relationship, 1),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	entry, ok := h.users[userID]
	if !ok {
		entry = &userEntry{subs: make(map[*Subscription]struct{})}
		h.users[userID] = entry
		if err := h.listenUser(userID, entry); err != nil {
			delete(h.users, userID)
			h.mu.Unlock()
			return nil, err
		}
	}
	entry.subs[sub] = struct{}{}
	h.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Notify signals local subscribers of userID directly, bypassing pub/sub.
// The engine publishes through pub/sub in production; tests and single
// process embeddings may call this instead.
func (h *Hub) Notify(userID string, channels ...Channel) {
	if len(channels) == 0 {
		channels = AllChannels
	}
	h.dispatch(userID, ChangeNotice{Channels: channels})
}

// Close shuts down the hub and every live subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var subs []*Subscription
	for _, entry := range h.users {
		for sub := range entry.subs {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// listenUser starts the pub/sub consumer for a user's topic. Caller holds
// h.mu.
func (h *Hub) listenUser(userID string, entry *userEntry) error {
	msgCh, cancel, err := h.pubsub.Subscribe(context.Background(), TopicFor(userID))
	if err != nil {
		return err
	}
	entry.cancel = cancel
	go func() {
		for msg := range msgCh {
			h.dispatch(userID, DecodeNotice(msg.Payload))
		}
	}()
	return nil
}

func (h *Hub) dispatch(userID string, notice ChangeNotice) {
	affected := make(map[Channel]bool, len(notice.Channels))
	for _, ch := range notice.Channels {
		affected[ch] = true
	}

	h.mu.Lock()
	entry := h.users[userID]
	var kick []*Subscription
	if entry != nil {
		for sub := range entry.subs {
			if affected[sub.channel] {
				kick = append(kick, sub)
			}
		}
	}
	h.mu.Unlock()

	for _, sub := range kick {
		sub.kick()
	}
}

func (h *Hub) drop(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := h.users[sub.userID]
	if entry == nil {
		return
	}
	delete(entry.subs, sub)
	if len(entry.subs) == 0 {
		if entry.cancel != nil {
			entry.cancel()
		}
		delete(h.users, sub.userID)
	}
}

// ---- Subscription ----

// C returns the emission stream. It is closed after Close.
func (s *Subscription) C() <-chan []model.Relationship {
	return s.out
}

// Channel returns the logical channel this subscription observes.
func (s *Subscription) Channel() Channel { return s.channel }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.drop(s)
		close(s.done)
	})
}

// kick marks the subscription dirty. The slot holds at most one pending
// signal; a burst of notices collapses into a single recompute.
func (s *Subscription) kick() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// run recomputes and emits snapshots until Close. The initial pass emits a
// snapshot before any signal arrives.
func (s *Subscription) run() {
	defer close(s.out)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		snap, err := s.hub.store.ByParticipant(ctx, QueryFor(s.userID, s.channel))
		cancel()
		if err != nil {
			s.hub.log.Warn("snapshot recompute failed",
				zap.String("user_id", s.userID),
				zap.String("channel", string(s.channel)),
				zap.Error(err))
		} else {
			s.emit(snap)
		}

		select {
		case <-s.done:
			return
		case <-s.signal:
		}
	}
}

// emit delivers a snapshot without ever blocking: if the consumer has not
// drained the previous emission, the stale one is replaced by the new one.
func (s *Subscription) emit(snap []model.Relationship) {
	if snap == nil {
		snap = []model.Relationship{}
	}
	for {
		select {
		case s.out <- snap:
			return
		default:
			select {
			case <-s.out:
			default:
			}
		}
	}
}
