// Package goAuthClient keeps a client-side authenticated session alive
// against a token-issuing backend.
//
// A [Controller] owns the session lifecycle. It logs in, registers and logs
// out. It checks a restored session at startup through [Controller.Bootstrap]
// and exposes an [http.Client] that attaches the access token to every
// request. When the backend answers 401 the client refreshes the token once
// on behalf of every waiting request and replays them. A rejected refresh or
// a deactivated account clears the session.
//
// Controllers are built with [Builder] and are safe for concurrent use. The
// session is persisted through a store.Persister chosen by the Builder:
// a file, Redis, a bun database or a caller supplied implementation.
//
// # Guarantees
//
//   - A logout always wins. A login, refresh or bootstrap result that
//     arrives after the session changed is discarded.
//   - Network failures never end a session.
//   - Tokens never appear in logs, audit events or errors.
package goAuthClient
