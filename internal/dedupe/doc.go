// Package dedupe remembers recently delivered message keys so a message
// arriving on both the stream and a poll is applied once.
package dedupe
