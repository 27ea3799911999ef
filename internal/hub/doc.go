// Package hub fans presence events out to scoped subscribers.
//
// Scopes partition the event space: the global map, the broadcast
// channel, and per-community, per-user, and per-agent channels. A
// subscription sees only events published to its own scope.
//
// Delivery favors availability over completeness. Each subscription owns
// a bounded queue; a publisher never blocks on a slow consumer. When a
// queue is full the oldest queued event is dropped to make room for the
// new one, and the subscription's drop counter records the loss. Within
// one subscription, delivered events preserve publish order.
package hub
