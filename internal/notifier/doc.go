// Package notifier delivers assignment notifications to users.
//
// Notify never blocks on delivery: notifications go onto a bounded queue and
// a small worker pool sends them through the channel transport, honoring a
// shared rate limit and retrying with jittered exponential backoff.
//
// # Dedup
//
// Identical notifications (same tenant, user, channel, address and text)
// inside DedupWindow are suppressed. With PersistDedup the suppress-until
// marks are also written to the storage backend so they survive restarts.
//
// # History
//
// The service keeps a small in-memory history of delivered notifications for
// operator visibility.
package notifier
