// Package sink implements the two outbound delivery channels for a synced
// reading: an OAuth2-authenticated cloud upload (component C5, cloud leg)
// and an MQTT bus publish (component C5, bus leg). Both implement the same
// narrow Sink interface so internal/bridge can drive them uniformly.
package sink

import (
	"context"
	"time"

	"github.com/jzubielik/omron-bridge/internal/models"
)

// ProbeEntry is one remote measurement surfaced by a sink's Probe, used to
// detect duplicates before pushing a candidate reading.
type ProbeEntry struct {
	Timestamp time.Time
	Systolic  int
	Diastolic int
	Pulse     int
}

// ProbeSet is the result of probing a sink for remote measurements in a date
// range, per spec.md §4.5's "probe(range) → set of remote fingerprints".
type ProbeSet []ProbeEntry

// Sink delivers readings to one outbound channel.
type Sink interface {
	// Connect establishes (or refreshes) whatever session the sink needs
	// before Push can succeed.
	Connect(ctx context.Context) error
	// IsConnected reports the last-known connection state without
	// blocking.
	IsConnected() bool
	// Probe returns the remote measurements already present in [from,
	// until], for use with IsDuplicate. Sinks with no remote query
	// capability (e.g. a pub/sub bus) may always return an empty set.
	Probe(ctx context.Context, from, until time.Time) (ProbeSet, error)
	// IsDuplicate reports whether r already has a matching entry in probe,
	// per the sink's own duplicate rule.
	IsDuplicate(r models.Reading, probe ProbeSet) bool
	// Push delivers a single reading. Implementations should be safe to
	// call for a reading that was already delivered (the caller is
	// expected to consult internal/ledger and IsDuplicate first, but a
	// sink must not corrupt state if called twice for the same reading).
	Push(ctx context.Context, r models.Reading) error
	// Disconnect releases any held connection. Safe to call multiple
	// times.
	Disconnect() error
}
