// Package scpi implements a client-side SCPI session engine for message-based
// instruments: a raw-socket transport, a re-entrant shareable session lock,
// IEEE-488.2 binary block transfers streamed in bounded chunks,
// operation-complete synchronization by status-byte polling, and automatic
// instrument error-queue checking after each operation.
//
// A Session is created over an established Transport with NewSession, or
// dialed and initialized in one step with Connect. All operations are safe
// for concurrent use and serialize on the session lock; two sessions can be
// made to serialize with each other by sharing lock tokens via AssignLock.
package scpi
