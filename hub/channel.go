package hub

import (
	"github.com/kasuganosora/relationd/server/model"
	"github.com/kasuganosora/relationd/server/store"
)

// Channel is one of the four per-user logical relationship views.
type Channel string

const (
	ChannelFriends  Channel = "friends"
	ChannelIncoming Channel = "incoming"
	ChannelOutgoing Channel = "outgoing"
	ChannelBlocked  Channel = "blocked"
)

// AllChannels lists every channel, for fan-out on broad mutations.
var AllChannels = []Channel{ChannelFriends, ChannelIncoming, ChannelOutgoing, ChannelBlocked}

// ParseChannel validates a channel name from an external caller.
func ParseChannel(s string) (Channel, bool) {
	switch Channel(s) {
	case ChannelFriends, ChannelIncoming, ChannelOutgoing, ChannelBlocked:
		return Channel(s), true
	}
	return "", false
}

// QueryFor maps a user's channel onto the store query that produces its
// snapshot list.
func QueryFor(userID string, ch Channel) store.Query {
	switch ch {
	case ChannelFriends:
		return store.Query{UserID: userID, Status: model.StatusAccepted}
	case ChannelIncoming:
		return store.Query{UserID: userID, Status: model.StatusPending, Initiator: store.InitiatorOther}
	case ChannelOutgoing:
		return store.Query{UserID: userID, Status: model.StatusPending, Initiator: store.InitiatorSelf}
	case ChannelBlocked:
		return store.Query{UserID: userID, Status: model.StatusBlocked, BlockerOnly: true}
	}
	return store.Query{UserID: userID, Status: model.StatusAccepted}
}
