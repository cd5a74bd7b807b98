// Package privacyidea provides the authentication decision core of a
// multi-factor OTP server: RFC 4226/6238 OTP derivation, per-token
// counter state with replay protection, resynchronization, a time-boxed
// challenge/transaction protocol backed by Redis, a multi-token
// candidate matcher, and a declarative policy matching engine.
//
// The package is designed for concurrent server workloads: Engine
// methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// privacyidea is the public surface. It exposes [Engine], [Builder],
// [Config], the policy types, and value types (AuthResult,
// MetricsSnapshot, AuditEvent). REST, PAM, and CLI adapters are
// collaborators that call the two authentication entry points and the
// policy query helpers; they never reach into token or challenge
// internals.
//
// # What this package must NOT do
//
//   - Render responses, manage sessions, or speak any network protocol.
//   - Retry directory or dispatch calls; timeouts belong to the
//     collaborators that own those connections.
//   - Keep mutable module-level state. The policy snapshot is an owned
//     value swapped atomically on reload.
//
// # Performance contract
//
// AuthenticateByUser and AuthenticateBySerial are the hot paths. Policy
// matching runs against a pre-parsed snapshot with no locking; token
// state is committed through a single store update per accepted
// verdict.
package privacyidea
