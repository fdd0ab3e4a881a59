// Package timer tracks per-key timeouts and delivers expiration
// notifications through the host dispatch queue.
//
// # Overview
//
// A Service is created with a dispatch queue, a message tag, and an Args
// configuration. Clients start a timer against an opaque key; when it
// fires, a message with that key is posted to the queue. The client then
// closes the bookkeeping out with Accept (the expiration is real and acted
// on) or Discard (the expiration is moot). Starting a new timer for a key
// that already has one silently retires the old timer first.
//
// # Backends
//
// Two backends implement the timeout mechanism behind one contract. The
// simple backend schedules a single delayed message per key on the
// dispatch queue. The accelerated backend delegates to the timer engine,
// which adds split-point early notifications, load-aware extension, and a
// test-mode virtual clock. The backend is chosen once at construction; if
// the engine cannot be initialized the service silently degrades to the
// simple backend.
//
// # Diagnostics
//
// Protocol anomalies (operations against unknown or already-consumed
// timers) are never fatal: the operation returns its failure value and the
// anomaly is recorded in a process-wide bounded error log with a short
// stack excerpt. DumpAll renders every live service plus the error log.
package timer
