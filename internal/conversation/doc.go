// Package conversation provides change fan-out for conversation observers.
//
// # Overview
//
// The Broadcaster delivers "something changed" signals for a key (a
// conversation id or a negotiation notification id) to any number of
// subscribers. It is used by the local conversation store to drive
// OnMessagesChanged and by the negotiation manager to drive
// OnTokenStateChanged.
//
// # Delivery
//
// Each subscriber owns a goroutine and a one-slot signal channel. Publish
// never blocks: if a signal is already queued for a subscriber the new one
// is coalesced into it. Observers therefore see at least one callback after
// any burst of changes, and must re-read state rather than rely on a
// callback per change.
//
//	b := conversation.NewBroadcaster(logger)
//	unsubscribe := b.Subscribe("conv-1", func(key string) { refresh(key) })
//	defer unsubscribe()
package conversation
