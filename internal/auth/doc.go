// Package auth provides token authentication for the gateway.
//
// # Tokens
//
// All callers authenticate with JWT bearer tokens signed with HS256
// using the configured jwt_secret. Tokens carry two claims the gateway
// requires:
//
//   - sub: the agent id or admin subject
//   - role: "agent" or "admin"
//
// Agent tokens are minted at registration; admin tokens are minted by
// the token subcommand or the admin token endpoint.
//
// # Secrets
//
// Agent secrets are hashed with bcrypt before storage. The plaintext
// secret is never persisted.
package auth
