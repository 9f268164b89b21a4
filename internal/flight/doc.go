// Package flight implements the per-vehicle control core: altitude smoothing,
// obstacle repulsion, choreography patterns, command shaping and the phase
// state machine that ties them together once per control period.
//
// A Machine owns all of its state and runs on a single goroutine. The only
// things it shares with other units are its read-only Params and the
// PositionSource, which must tolerate concurrent callers.
package flight
