// Package family persists token family records: the unit of session
// lifetime, refresh rotation, and revocation.
//
// # Architecture boundaries
//
// This package owns the [Store] contract and the Redis implementation. It
// does NOT interpret credentials, evaluate scopes, or enforce the refresh
// protocol — those responsibilities belong to the Guard.
//
// The single correctness-critical concurrency point of the whole system
// lives here: [Store.CompareAndSwapSequence] must serialize the
// read-modify-write of the refresh sequence per family. The Redis
// implementation uses a Lua script for that, since Redis executes scripts
// atomically.
package family
