// Package storage defines the persistence contract consumed by the
// authentication engine: entity records for the identity data model and a
// transactional Store interface with per-entity typed tables.
//
// The engine never talks to a database driver directly. Every multi-record
// operation runs inside a single Read or Write closure, and all cross-record
// uniqueness invariants (one TOTP record per identity, one pending deletion,
// one live email-change request, one connection per provider) are enforced
// by the implementation's unique constraints plus upsert-on-conflict, so the
// engine stays correct with multiple process instances behind a load
// balancer.
package storage
