package bus

import (
	"context"
)

// EventType names the entity class an invalidation event refers to.
type EventType string

const (
	EventTypeAccount   EventType = "account"
	EventTypeAPIKey    EventType = "apikey"
	EventTypeModelCost EventType = "modelcost"
)

// Event is a cluster-wide cache invalidation notice. Delivery is
// at-least-once and unordered; consumers only evict, so duplicates and
// reordering are harmless.
type Event struct {
	Type EventType `json:"type"`
	Key  string    `json:"key"`
}

// Sink is the publishing half, held by admin writers. Events are published
// only after the store write committed.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Source is the consuming half, held by the auth cache. Subscribe blocks
// until ctx is cancelled, invoking fn for every received event.
type Source interface {
	Subscribe(ctx context.Context, fn func(Event)) error
}
