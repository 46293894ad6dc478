// Package bridge contains the OMRON bridge orchestrator. It wires together a
// BLE connection, the unlock/pair/read protocol, the fingerprint ledger, and
// the cloud/bus sinks, driving either a single sync cycle or a continuous
// daemon loop.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jzubielik/omron-bridge/internal/audit"
	"github.com/jzubielik/omron-bridge/internal/ble"
	"github.com/jzubielik/omron-bridge/internal/device"
	"github.com/jzubielik/omron-bridge/internal/ledger"
	"github.com/jzubielik/omron-bridge/internal/models"
	"github.com/jzubielik/omron-bridge/internal/protocol"
	"github.com/jzubielik/omron-bridge/internal/sink"
	"github.com/jzubielik/omron-bridge/internal/transport"
)

// Ledger is the subset of internal/ledger's API the bridge depends on,
// narrowed for testability.
type Ledger interface {
	FilterNew(ctx context.Context, readings []models.Reading) ([]models.Reading, error)
	Upsert(ctx context.Context, r models.Reading) error
	UpdateStatus(ctx context.Context, fingerprint string, cloudDelivered, busDelivered *bool) error
	PendingCloud(ctx context.Context) ([]ledger.Record, error)
	PendingBus(ctx context.Context) ([]ledger.Record, error)
}

// NamedSink pairs a sink.Sink with a stable name used in logs, audit
// entries, and CycleResult accounting ("cloud" or "bus").
type NamedSink struct {
	Name string
	Sink sink.Sink
}

// CycleResult summarizes one Sync call.
type CycleResult struct {
	Read             int
	New              int
	Delivered        map[string]int
	SkippedDuplicate map[string]int
	Failed           map[string]int
}

func newCycleResult() CycleResult {
	return CycleResult{
		Delivered:        map[string]int{},
		SkippedDuplicate: map[string]int{},
		Failed:           map[string]int{},
	}
}

// Bridge owns one BLE peripheral connection and drives sync cycles against
// it. Create one with New; it is not safe for concurrent Sync/RetryPending
// calls against the same underlying connection.
type Bridge struct {
	central ble.Central
	address string
	driver  device.Driver
	key     []byte
	opts    device.ReadOptions

	ledger Ledger
	sinks  []NamedSink
	audit  *audit.Logger
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// Config collects the dependencies a Bridge needs. All fields are required
// except Audit and Logger.
type Config struct {
	Central ble.Central
	Address string
	Driver  device.Driver
	Key     []byte
	Options device.ReadOptions

	Ledger Ledger
	Sinks  []NamedSink
	Audit  *audit.Logger
	Logger *slog.Logger
}

// New constructs a Bridge from cfg.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		central: cfg.Central,
		address: cfg.Address,
		driver:  cfg.Driver,
		key:     cfg.Key,
		opts:    cfg.Options,
		ledger:  cfg.Ledger,
		sinks:   cfg.Sinks,
		audit:   cfg.Audit,
		logger:  logger,
	}
}

// Pair connects to the peripheral while it is in physical pairing mode and
// programs newKey as its pairing key. Callers are responsible for
// persisting newKey (e.g. to the configured pairing-key file) for future
// Sync calls.
func (b *Bridge) Pair(ctx context.Context, newKey []byte) error {
	dev, err := b.central.Connect(ctx, b.address)
	if err != nil {
		return fmt.Errorf("bridge: pair: connect: %w", err)
	}
	defer dev.Disconnect()

	tr := transport.New(dev, b.logger)
	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("bridge: pair: start transport: %w", err)
	}
	defer tr.Stop()

	proto := protocol.New(tr)
	if err := proto.Pair(ctx, newKey); err != nil {
		return fmt.Errorf("bridge: pair: %w", err)
	}

	b.recordAudit("pair", map[string]any{"address": b.address})
	return nil
}

// Sync connects to the peripheral, unlocks it, reads every configured user
// slot, records genuinely new readings in the ledger, and delivers them to
// every registered sink, skipping any reading a sink's own duplicate probe
// already has. It always disconnects before returning, including on error.
// dryRun skips the sink connect pass, ledger writes, and delivery, reporting
// only what would have happened.
//
// Per spec.md §4.6's one-shot cycle: sinks are connected up front (failing
// the cycle if every enabled sink fails to connect and this is not a dry
// run); if filter_new finds nothing new, an idle status is published to the
// bus sink and the cycle ends; otherwise each sink is batch-probed across
// the new readings' date range before delivery begins.
func (b *Bridge) Sync(ctx context.Context, dryRun bool) (CycleResult, error) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return CycleResult{}, errors.New("bridge: sync already in progress")
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	result := newCycleResult()

	connected := make(map[string]bool, len(b.sinks))
	if !dryRun {
		var anyConnected bool
		for _, ns := range b.sinks {
			if ns.Sink.IsConnected() {
				connected[ns.Name] = true
				anyConnected = true
				continue
			}
			if err := ns.Sink.Connect(ctx); err != nil {
				b.logger.Warn("bridge: sync: sink connect failed", "sink", ns.Name, "error", err)
				continue
			}
			connected[ns.Name] = true
			anyConnected = true
		}
		if len(b.sinks) > 0 && !anyConnected {
			return result, fmt.Errorf("bridge: sync: no sinks connected")
		}
	}

	dev, err := b.central.Connect(ctx, b.address)
	if err != nil {
		return result, fmt.Errorf("bridge: sync: connect: %w", err)
	}
	defer dev.Disconnect()

	tr := transport.New(dev, b.logger)
	if err := tr.Start(ctx); err != nil {
		return result, fmt.Errorf("bridge: sync: start transport: %w", err)
	}
	defer tr.Stop()

	proto := protocol.New(tr)
	readings, err := device.ReadAll(ctx, proto, b.driver, b.key, b.opts, b.logger)
	if err != nil {
		return result, fmt.Errorf("bridge: sync: read: %w", err)
	}
	result.Read = len(readings)

	fresh, err := b.ledger.FilterNew(ctx, readings)
	if err != nil {
		return result, fmt.Errorf("bridge: sync: filter new: %w", err)
	}
	result.New = len(fresh)

	if dryRun {
		b.logger.Info("bridge: dry run, skipping sinks and ledger writes", "read", result.Read, "new", result.New)
		return result, nil
	}

	if len(fresh) == 0 {
		b.publishIdleStatus(connected)
		b.recordAudit("sync_cycle", map[string]any{"address": b.address, "read": result.Read, "new": 0})
		return result, nil
	}

	probes := b.probeSinks(ctx, connected, fresh)

	for _, r := range fresh {
		if err := b.ledger.Upsert(ctx, r); err != nil {
			b.logger.Warn("bridge: sync: upsert failed", "error", err, "fingerprint", r.Fingerprint())
			continue
		}
		b.deliver(ctx, r, &result, connected, probes)
	}

	b.recordAudit("sync_cycle", map[string]any{
		"address": b.address, "read": result.Read, "new": result.New,
		"delivered": result.Delivered, "skipped_duplicate": result.SkippedDuplicate, "failed": result.Failed,
	})

	return result, nil
}

// probeSinks batch-probes every connected sink across the date range
// spanning fresh ± 1 day, per spec.md §4.6 step 5.
func (b *Bridge) probeSinks(ctx context.Context, connected map[string]bool, fresh []models.Reading) map[string]sink.ProbeSet {
	from, until := fresh[0].Timestamp, fresh[0].Timestamp
	for _, r := range fresh[1:] {
		if r.Timestamp.Before(from) {
			from = r.Timestamp
		}
		if r.Timestamp.After(until) {
			until = r.Timestamp
		}
	}
	from = from.AddDate(0, 0, -1)
	until = until.AddDate(0, 0, 1)

	probes := make(map[string]sink.ProbeSet, len(b.sinks))
	for _, ns := range b.sinks {
		if !connected[ns.Name] {
			continue
		}
		probe, err := ns.Sink.Probe(ctx, from, until)
		if err != nil {
			b.logger.Warn("bridge: sync: probe failed", "sink", ns.Name, "error", err)
			continue
		}
		probes[ns.Name] = probe
	}
	return probes
}

// publishIdleStatus notifies the connected bus sink, if any, that a cycle
// found nothing new.
func (b *Bridge) publishIdleStatus(connected map[string]bool) {
	for _, ns := range b.sinks {
		if ns.Name != "bus" || !connected[ns.Name] {
			continue
		}
		bus, ok := ns.Sink.(interface{ PublishStatus(status, message string) error })
		if !ok {
			continue
		}
		if err := bus.PublishStatus("idle", "no new readings"); err != nil {
			b.logger.Warn("bridge: sync: publish idle status failed", "error", err)
		}
	}
}

// deliver pushes r to every connected sink, skipping any sink whose probe
// already has a matching entry, and updates the ledger's delivery status and
// the cycle result on each outcome. connected and probes may be nil (e.g.
// from a test or RetryPending-style caller not using the connect-then-probe
// pass), in which case every registered sink is attempted directly with no
// duplicate check.
func (b *Bridge) deliver(ctx context.Context, r models.Reading, result *CycleResult, connected map[string]bool, probes map[string]sink.ProbeSet) {
	for _, ns := range b.sinks {
		if connected != nil && !connected[ns.Name] {
			result.Failed[ns.Name]++
			continue
		}

		if ns.Sink.IsDuplicate(r, probes[ns.Name]) {
			result.SkippedDuplicate[ns.Name]++
			b.updateDeliveryStatus(ctx, ns.Name, r.Fingerprint(), true)
			continue
		}

		ok := pushOne(ctx, ns.Sink, r, b.logger, ns.Name)
		if ok {
			result.Delivered[ns.Name]++
		} else {
			result.Failed[ns.Name]++
		}
		b.updateDeliveryStatus(ctx, ns.Name, r.Fingerprint(), ok)
	}
}

// updateDeliveryStatus records delivered (or skipped-as-duplicate, which
// counts as delivered for ledger purposes) in the ledger for sink name.
func (b *Bridge) updateDeliveryStatus(ctx context.Context, name, fingerprint string, delivered bool) {
	var cloudPtr, busPtr *bool
	switch name {
	case "cloud":
		cloudPtr = &delivered
	case "bus":
		busPtr = &delivered
	default:
		return
	}
	if err := b.ledger.UpdateStatus(ctx, fingerprint, cloudPtr, busPtr); err != nil {
		b.logger.Warn("bridge: update delivery status failed", "error", err, "sink", name)
	}
}

func pushOne(ctx context.Context, s sink.Sink, r models.Reading, logger *slog.Logger, name string) bool {
	if !s.IsConnected() {
		if err := s.Connect(ctx); err != nil {
			logger.Warn("bridge: sink connect failed", "sink", name, "error", err)
			return false
		}
	}
	if err := s.Push(ctx, r); err != nil {
		logger.Warn("bridge: sink push failed", "sink", name, "error", err, "fingerprint", r.Fingerprint())
		return false
	}
	return true
}

// RetryPending re-attempts delivery of every ledger record not yet marked
// delivered to its respective sink, without reconnecting to the BLE
// peripheral.
func (b *Bridge) RetryPending(ctx context.Context) (CycleResult, error) {
	result := newCycleResult()

	for _, ns := range b.sinks {
		var pending []ledger.Record
		var err error
		switch ns.Name {
		case "cloud":
			pending, err = b.ledger.PendingCloud(ctx)
		case "bus":
			pending, err = b.ledger.PendingBus(ctx)
		default:
			continue
		}
		if err != nil {
			return result, fmt.Errorf("bridge: retry pending: list %s: %w", ns.Name, err)
		}

		for _, rec := range pending {
			ok := pushOne(ctx, ns.Sink, rec.Reading, b.logger, ns.Name)
			if ok {
				result.Delivered[ns.Name]++
			} else {
				result.Failed[ns.Name]++
			}
			b.updateDeliveryStatus(ctx, ns.Name, rec.Fingerprint, ok)
		}
	}

	return result, nil
}

// Run drives Sync on a fixed interval until ctx is cancelled. The first
// cycle runs immediately; subsequent cycles wait interval, interruptibly on
// ctx.Done. Errors from individual cycles are logged but do not stop the
// loop.
func (b *Bridge) Run(ctx context.Context, interval time.Duration) {
	for {
		result, err := b.Sync(ctx, false)
		if err != nil {
			b.logger.Error("bridge: sync cycle failed", "error", err)
		} else {
			b.logger.Info("bridge: sync cycle complete", "read", result.Read, "new", result.New)
		}

		if _, err := b.RetryPending(ctx); err != nil {
			b.logger.Warn("bridge: retry pending failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (b *Bridge) recordAudit(kind string, detail map[string]any) {
	if b.audit == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"kind": kind, "detail": detail})
	if err != nil {
		b.logger.Warn("bridge: audit marshal failed", "error", err)
		return
	}
	if _, err := b.audit.Append(payload); err != nil {
		b.logger.Warn("bridge: audit append failed", "error", err)
	}
}
