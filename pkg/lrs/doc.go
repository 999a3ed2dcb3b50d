// Package lrs implements the local resource scheduler core: per-device
// workers and their state machine, request dispatch, synchronization
// batching, lock recovery, and the shutdown protocol.
package lrs
