// Package state implements the four-valued state comparator and the
// per-account state bookkeeper: it loads and advances the
// (accountId, type) -> (lowestModSeq, highestModSeq) rows that back
// every JMAP state string.
package state

import (
	"strconv"
)

// Comparison is the four-valued result of comparing a client-supplied
// state string against the server's recorded (low, high) window.
type Comparison int

const (
	// InSync means the client is already at the current state.
	InSync Comparison = iota
	// Okay means the client state is within history: a diff can be
	// computed from modSeqChanged > sinceState.
	Okay
	// Resync means the client state is older than the truncation
	// point; the server cannot compute an incremental diff.
	Resync
	// Bogus means the client state is malformed or ahead of the
	// server (not yet issued).
	Bogus
)

// Compare implements the four-valued comparator: given the client's
// sinceState string and the server's recorded low/high window for one
// (account, type), it reports which of the four cases applies.
func Compare(sinceState string, low, high int64) Comparison {
	since, err := strconv.ParseInt(sinceState, 10, 64)
	if err != nil || since < 0 || since > high {
		return Bogus
	}
	if since == high {
		return InSync
	}
	if since < low {
		return Resync
	}
	return Okay
}
