package hub

import "encoding/json"

// topicPrefix namespaces relationship change notices on the pub/sub bus.
const topicPrefix = "rel:"

// TopicFor returns the pub/sub topic carrying change notices for a user.
func TopicFor(userID string) string {
	return topicPrefix + userID
}

// ChangeNotice is the payload published after a committed mutation. It names
// the channels whose snapshot may have changed; it carries no record data,
// subscribers recompute from the store.
type ChangeNotice struct {
	Channels []Channel `json:"channels"`
}

// Encode serializes the notice for publishing.
func (n ChangeNotice) Encode() string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

// DecodeNotice parses a published notice. A malformed payload is treated as
// "all channels changed" so a bad message degrades to extra recomputation,
// never to a missed update.
func DecodeNotice(payload string) ChangeNotice {
	var n ChangeNotice
	if err := json.Unmarshal([]byte(payload), &n); err != nil || len(n.Channels) == 0 {
		return ChangeNotice{Channels: AllChannels}
	}
	return n
}
