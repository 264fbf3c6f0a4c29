/*
Package types defines the core data structures shared by every subsystem
of the session/workspace orchestrator: sessions, locks, queue entries and
events, and the recovery policy snapshot.

These are plain structs and string enums; none of them touch the store.
Validation and persistence live in pkg/registry, pkg/lockmanager,
pkg/queue and pkg/store respectively.
*/
package types
