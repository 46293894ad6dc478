package bridge

import (
	"context"

	"github.com/jzubielik/omron-bridge/internal/models"
	"github.com/jzubielik/omron-bridge/internal/sink"
)

// DeliverForTest exposes deliver for table-driven tests in bridge_test.go.
// Passing nil connected/probes attempts every registered sink directly with
// no duplicate check, matching the pre-connect-pass behavior tests rely on.
func DeliverForTest(b *Bridge, ctx context.Context, r models.Reading, result *CycleResult) {
	b.deliver(ctx, r, result, nil, nil)
}

// DeliverWithProbesForTest exposes deliver with an explicit connected/probes
// pair, for testing the duplicate-skip path.
func DeliverWithProbesForTest(b *Bridge, ctx context.Context, r models.Reading, result *CycleResult, connected map[string]bool, probes map[string]sink.ProbeSet) {
	b.deliver(ctx, r, result, connected, probes)
}

// PublishIdleStatusForTest exposes publishIdleStatus for tests.
func PublishIdleStatusForTest(b *Bridge, connected map[string]bool) {
	b.publishIdleStatus(connected)
}
