// Package notifier delivers small, high-signal operator messages (agent
// degradation, sizing-rejection storms, shutdown notices) without ever
// blocking the pipeline that produced them.
//
// Shape: bounded queue -> worker pool -> rate limiter -> bounded retry.
// A dedup window keyed by condition (not text) suppresses repeats; the
// window optionally persists through the storage layer so a restart does
// not replay the same alert. Delivery goes through a transport.Adapter,
// so nothing here knows about Telegram specifics.
//
// A short in-memory history of sent notifications feeds /health.
package notifier
