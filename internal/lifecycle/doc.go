// Package lifecycle owns conversation sessions, the shared push stream and
// the per-session poll schedules.
//
// A session moves disconnected, connecting, connected, ended. An ended
// session never reconnects; opening the conversation again creates a new
// one. Polling runs at an idle cadence while the stream is healthy and at
// a faster fallback cadence while it is down.
package lifecycle
