// Package store provides the key-value credential stores used by the OAuth
// flow engine.
//
// The engine never talks to a backend directly. It depends on the Store
// interface, and the OAuth client provider namespaces every key by server URL
// before it reaches a Store, so one backend can safely hold the credentials of
// several MCP servers.
//
// Two backends are available:
//   - MemoryStore: process-local map, lost on exit
//   - FileStore: a single JSON document on disk (0600), surviving restarts so a
//     flow can be resumed without re-registering the client
package store
