// Package goIdentity provides an embeddable identity and authentication
// engine: password accounts with argon2id hashing, four kinds of signed
// session tokens, TOTP and backup-code MFA, OAuth provider connections,
// and account lifecycle state machines (deletion, email change), all on a
// transactional storage interface.
//
// The package is designed for concurrent server workloads: [Engine]
// methods are safe to call from multiple goroutines after [New] returns.
//
// # Architecture boundaries
//
// goIdentity is the public surface. It exposes [Engine], [Config], and
// result types. Credential hashing lives in password, signed claims in
// token, sealed secrets in secret, provider plumbing in oauth, and the
// data model in storage; storage/sqlite is the shipped store.
//
// # Revocation model
//
// There is no server-side session table. Every signed token embeds the
// identity's sessionVersion; bumping the counter (logout-all, password
// change, email change) invalidates all outstanding tokens at once.
//
// # Performance contract
//
// VerifyAccess is the hot path: one parse plus one storage transaction.
// Argon2id derivations are bounded by a worker pool so password traffic
// cannot exhaust the process; OAuth network calls never run inside a
// storage transaction.
package goIdentity
