// Package domain defines the core value types for the IGNITE delivery engine.
//
// Types in this package are pure value objects with no behavior, no transport
// dependencies, and no HTTP concerns. They are the shared language between
// the queue adapter, the sender, and the worker pool.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No clients, no http.Request, no context.Context in struct fields
//   - JSON tags are allowed (they're metadata, not behavior)
//   - Helper methods are allowed (they're pure functions on the type)
//   - Constants and enums belong here
package domain
