// Package rate enforces fixed-window attempt budgets for security-sensitive
// flows: password logins and MFA code verification.
//
// Counters are INCR + conditional EXPIRE on the first hit in a window. The
// authoritative backend is Redis so budgets hold across engine instances; a
// mutex-guarded in-process counter serves single-node deployments without a
// Redis.
//
// Key prefixes:
//   - lu: — login per-email
//   - li: — login per-IP
//   - mf: — MFA attempts per-identity
package rate
