// Package ingest drives liquidation cycles from mark-price snapshots
// published on Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/cascade"
	"github.com/atmx/risk-engine/internal/engine"
)

// ErrBadSnapshot marks a message that can never be processed.
var ErrBadSnapshot = errors.New("ingest: malformed price snapshot")

// Snapshot is one cycle's mark prices. A market missing from Prices gets no
// update that cycle.
type Snapshot struct {
	Cycle  int64                      `json:"cycle"`
	Prices map[string]decimal.Decimal `json:"prices"`
}

// Runner runs one cycle. *engine.Engine implements it.
type Runner interface {
	RunCycle(ctx context.Context, cycle int64, prices map[string]decimal.Decimal) (engine.Report, error)
}

// Consumer reads snapshots from a topic and runs a cycle for each.
type Consumer struct {
	reader *kafka.Reader
	runner Runner
}

// NewConsumer creates a consumer-group reader for topic.
func NewConsumer(brokers []string, topic, groupID string, runner Runner) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	slog.Info("price consumer created", "brokers", brokers, "topic", topic, "group_id", groupID)
	return &Consumer{reader: reader, runner: runner}
}

// Run consumes until ctx is done. Offsets are committed after each snapshot
// is handled, so a crash replays at most one cycle, which the engine then
// rejects as stale.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("fetch price snapshot failed", "err", err)
			continue
		}
		if err := Handle(ctx, c.runner, msg.Value); err != nil {
			if ctx.Err() != nil {
				// Left uncommitted so the snapshot is redelivered.
				return nil
			}
			slog.Error("price snapshot rejected",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"err", err,
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("commit offset failed", "offset", msg.Offset, "err", err)
		}
	}
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Handle decodes one snapshot and runs its cycle. Trips and stale cycles are
// outcomes, not failures, and return nil.
func Handle(ctx context.Context, runner Runner, value []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if snap.Cycle <= 0 {
		return fmt.Errorf("%w: cycle %d", ErrBadSnapshot, snap.Cycle)
	}

	rep, err := runner.RunCycle(ctx, snap.Cycle, snap.Prices)
	switch {
	case errors.Is(err, engine.ErrStaleCycle):
		slog.Warn("stale price snapshot skipped", "cycle", snap.Cycle)
		return nil
	case errors.Is(err, cascade.ErrCircuitBreakerTripped):
		slog.Warn("cycle halted markets", "cycle", snap.Cycle, "err", err)
		return nil
	case err != nil:
		return fmt.Errorf("cycle %d: %w", snap.Cycle, err)
	}

	orders := 0
	for _, m := range rep.Markets {
		orders += len(m.Orders)
	}
	slog.Debug("cycle complete", "cycle", snap.Cycle, "markets", len(rep.Markets), "orders", orders)
	return nil
}
