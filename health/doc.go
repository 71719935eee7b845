// Package health tracks per-channel availability so the transport can skip
// channels that are failing.
//
// Each channel backs off exponentially after a failure and is reset by the
// next success. A channel that keeps failing past the high-water mark is
// quarantined: it is skipped except for an occasional recovery probe, so it
// can rejoin without operator intervention.
//
// The monitor is an optimization only. transport.Multi falls back to every
// channel whenever too few are eligible.
package health
