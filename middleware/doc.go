// Package middleware exposes HTTP middleware adapters for bearer-token and
// API-key authorization built on top of goIdentity.Engine verification.
//
// # Guards
//
//   - [RequireAccess] — verifies the Authorization bearer token as an access JWT.
//   - [RequireAPIKey] — verifies the X-API-Key header (or bearer token) as an API key.
//
// Each guard resolves the credential, calls the engine, and injects the
// resolved identity into the request context for [IdentityFromContext].
// The client IP is attached via goIdentity.WithClientIP so engine audit
// events carry it.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does NOT
// implement authentication logic itself — all decisions are delegated to
// Engine.VerifyAccess and Engine.VerifyAPIKey.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to Engine).
//   - Touch storage (Engine handles I/O).
//   - Make authorization decisions beyond pass/reject from the Engine.
package middleware
