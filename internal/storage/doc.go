// Package storage persists queue state across restarts: the reserved job-id
// water mark, token tables and job dumps. The engine itself never touches
// disk on the hot path; the store is consulted once per id block and around
// startup/shutdown.
package storage
