// Package tokenstore provides persistent storage backends for session credentials.
//
// A credential is the access/refresh token pair issued by the portal's
// authentication server. Every backend persists the pair as a single unit so a
// reader never observes one token from an old pair and the other from a new one.
//
// Supported backends:
//   - File: JSON document on the local filesystem with atomic writes and 0600 permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//   - Redis: a hash shared by several processes, written in a MULTI/EXEC transaction
//   - Env: seeded from environment variables, later writes are kept in memory
//   - Memory: process-local, intended for tests and embedding
package tokenstore
