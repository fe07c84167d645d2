// Package readstate sends debounced read receipts.
//
// Visibility events within a debounce window collapse into a single write
// carrying the newest visible message. The last successfully sent position
// only moves forward.
package readstate
