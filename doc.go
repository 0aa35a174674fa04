// Package flowline is a durable step/workflow orchestration engine.
//
// A workflow is an ordered composition of idempotent steps. Every step's
// outcome is persisted before control returns to the caller, so re-running
// a workflow after a failure skips the steps that already succeeded and
// retries only the step that failed or was never reached.
//
// Two orchestration flavors share the same step primitives:
//
//   - the sequential engine (package workflow) runs steps in the caller's
//     goroutine and blocks until the workflow completes or fails;
//   - the asynchronous engine (packages exec, dispatch, worker) runs a
//     richer definition of steps and step groups on a worker pool, with
//     group members optionally executing in parallel, and exposes progress
//     through a polled execution status record.
//
// Flowline is a library, not a service. Import it, configure a store, and
// register step functions against an injected registry. All entity IDs use
// TypeID — type-prefixed, K-sortable, UUIDv7-based identifiers.
//
// The root package holds the pieces every subsystem shares: the Entity
// timestamps embedded in persisted rows, engine configuration, and the
// error taxonomy. Subsystem packages import this package; the engine
// package wires them together.
package flowline
