// Package chatsync is the single writer of the local conversation store.
//
// Messages from the push stream, from polling and from local sends are
// applied through one FIFO queue per conversation, so writes to a
// conversation never race while different conversations proceed in
// parallel. Order in the store is decided by the store's ordering rule,
// not by arrival order.
package chatsync
