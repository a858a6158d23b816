// Package notify delivers comment and error notifications to a chat sink.
//
// Callers enqueue and return immediately. A single worker drains the queue in
// order, paced by a token bucket, and retries each message a bounded number
// of times before dropping it. Delivery is best-effort: a message that still
// fails after its retries is logged and published on the event bus, nothing
// more.
//
// # Batch summaries
//
// When one source produces more than BatchThreshold items in a cycle they are
// folded into a single summary message instead of one message per item.
//
// # Routing
//
// Routes maps a source label to a forum topic by prefix ("YouTube", "VK",
// "Reddit"). Errors go to their own topic. A zero topic posts to the general
// chat.
package notify
