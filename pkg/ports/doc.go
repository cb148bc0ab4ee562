/*
Package ports defines the driven ports (interfaces) of the replication engine.

These interfaces decouple the core from concrete networks and storage backends,
so the same engine runs over an in-process network in tests and over Redis or a
websocket relay in production.

# Key Interfaces

  - Transport: Moves opaque payloads between the members of a session and reports peer connectivity.
  - Handler: Receives what a Transport delivers. Implemented by the replication engine.
  - SnapshotStore: Persists the field table of a session on a best-effort basis.
*/
package ports
