// Package store holds the client's token material: access token, refresh token and
// expiry, plus a user-visible notice that survives logout.
//
// # Persistence
//
// The in-memory copy is authoritative and all reads are served from it. Mutations
// are written through to an optional [Persister]: [RedisPersister] (compact binary
// records), [FilePersister] (owner-only JSON file with external-logout detection) or
// [BunPersister] (SQL table through Bun).
//
// # Generations
//
// Every mutation increments [Store.Generation]. [Store.SetTokensIf] and
// [Store.ClearIf] apply only if nothing changed since a captured generation, which
// lets a logout win against a refresh or login that completes afterwards.
//
// # What this package must NOT do
//
//   - Perform network calls to the auth backend.
//   - Import goAuthClient, transport, or api (no upward imports).
package store
