// Package engine implements the accelerated timer engine that backs
// hardware-assisted style timer services.
//
// # Overview
//
// The engine hosts timer services addressed by opaque numeric handles. Each
// service owns a set of running timers identified by small positive ids,
// a min-heap of due events, and (outside test mode) a single worker
// goroutine that sleeps until the next event. Expirations and split-point
// early notifications are reported through a Receiver callback installed at
// service creation.
//
// # Boundary contract
//
// Every method is synchronous, bounded, and exception-free: failures are
// reported through return codes (a zero handle, a zero timer id, or false),
// never through panics. Receiver callbacks are always invoked with no
// engine locks held, so a receiver may re-enter the engine freely.
//
// # Test mode
//
// A service created with testMode is disconnected from the real clock.
// Its view of "now" starts at zero and only moves when SetTime is called;
// due events are dispatched from the SetTime caller's goroutine.
package engine
