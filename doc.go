// Package authenticator manages the lifecycle of bearer credentials issued
// in families: a short-lived access token and a rotating refresh token
// bound to a persisted family record. Presenting an already-consumed
// refresh token is treated as theft and revokes the family.
//
// The package is designed for concurrent server workloads: Guard methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authenticator is the public surface. It exposes [Guard], [Builder],
// [Config], and value types (Access, NewToken, MetricsSnapshot). Flow
// orchestration lives under internal/ and is never exported; the
// credential codec, scope compiler, and family store live in their own
// sub-packages and can be used independently.
//
// # What this package must NOT do
//
//   - Expose Redis clients or storage encoding details in its public API.
//   - Perform I/O outside of Guard methods (construction via Builder is
//     allocation-only apart from key parsing).
//   - Import any sub-package that re-imports authenticator.
//
// # Concurrency contract
//
// Refresh is the serialization point. Concurrent refreshes presenting the
// same credential race on a single store compare-and-swap: exactly one
// wins, every loser observes reuse and the family is revoked.
package authenticator
