// Package auth verifies the identity tokens presented by chat clients.
//
// # Tokens
//
// Tokens are HS256 JWTs issued by an external identity provider that
// shares the gateway's jwt_secret. The gateway only verifies them; it
// never issues tokens in production (the `token` subcommand of the server
// binary exists for local development).
//
// Required claims:
//
//   - sub: the user identifier
//   - role: one of "viewer", "analyst", "admin"
//   - exp: expiry (expired tokens fail with ErrExpiredToken)
//
// # Roles
//
// Roles are strictly ordered: viewer < analyst < admin. Role.AtLeast is
// the single comparison used by callers that need a floor; command
// authorization uses its own static permission table.
//
// # Context Propagation
//
// HTTP handlers receive the verified Identity through WithIdentity /
// FromContext, and through the echo middleware returned by Middleware.
package auth
