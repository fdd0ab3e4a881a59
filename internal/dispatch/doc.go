// Package dispatch provides the host delivery queue that timer services
// post their notifications to.
//
// # Overview
//
// A Queue owns a single delivery goroutine. Messages posted to the queue
// (immediately or delayed) are delivered to the handler registered for
// their tag, one at a time, in due-time order. Delivery is never
// synchronous with Post: even a zero-delay message is handed to the
// delivery goroutine.
//
// # Contract
//
//   - Post and PostDelayed MUST be non-blocking.
//   - Delivery is single-threaded and in-order per tag.
//   - There is no cross-key ordering guarantee beyond due-time order.
//   - Remove(tag, key) drops every pending message matching both, including
//     delayed ones that have not come due. A message already handed to the
//     handler cannot be recalled.
//
// Keys are compared with ==, so they must be comparable values.
package dispatch
