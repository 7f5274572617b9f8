package domain

import "time"

type SubscriberID string

type SubscriberKind string

const (
	// SubscriberLease is held by an HTTP client and renewed by playback requests.
	SubscriberLease SubscriberKind = "lease"
	// SubscriberPeer is a relay peer attached over the signaling channel.
	SubscriberPeer SubscriberKind = "peer"
)

type Subscriber struct {
	ID       SubscriberID
	Kind     SubscriberKind
	JoinedAt time.Time
	LastSeen time.Time
}
