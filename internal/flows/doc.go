// Package flows contains pure-function orchestrators for the Guard
// operations.
//
// Each flow function (RunAuthenticate, RunRefresh, RunLogout) accepts a
// typed dependency struct and returns a result carrying either the outcome
// or failure metadata. The root package maps failure kinds to its sentinel
// errors, audit events, and metrics; flows never decide presentation.
//
// # Architecture boundaries
//
// Flow functions coordinate the credential codec and the family store. They
// do NOT own any of these resources — ownership stays with the Guard.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import the root package (to avoid import cycles).
//   - Perform I/O outside the injected dependencies.
package flows
