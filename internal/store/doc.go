// Package store provides the local conversation store.
//
// # Architecture
//
// MemoryStore is the source of truth for what observers display. It keeps,
// per conversation:
//
//   - Conversation: kind, participants, closed flag and sync cursor
//   - Message log: ordered by CreatedAt, ties broken by insertion sequence
//   - ReadCursor: the last read receipt flushed to the backend
//
// # Writes
//
// Append is idempotent by message id. A pending message is reconciled in
// place when a confirmed message carrying the same client nonce arrives,
// whichever transport delivers it first. Malformed messages are logged and
// dropped; Append never fails the caller.
//
// # Persistence
//
// A Persister may be attached for write-through. SQLiteCache implements it
// on modernc.org/sqlite so a restarted process can warm the store with Load.
// Persistence errors are logged and never surface to writers.
//
// # Observers
//
// Subscribe registers an Observer for a conversation. Notifications are
// delivered through a conversation.Broadcaster and are coalesced, so an
// observer re-reads Messages on every callback.
package store
