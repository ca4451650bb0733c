// Package logx is the structured logging layer for gridqd, a thin
// Field-based wrapper over zerolog. Console output stays human-readable
// (short timestamp, short caller), the file sink is JSON, and debug-level
// volume can be sampled so a busy queue cannot drown the sinks.
package logx
