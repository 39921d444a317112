// Package catalog keeps an optional ledger of stored windows and job runs
// in PostgreSQL. The catalog is an observer: the object store stays the
// source of truth and catalog failures never stop ingestion.
package catalog

import (
	"context"
	"log/slog"
)

// Config configures the catalog.
type Config struct {
	PostgresDSN string
	MaxConns    int32
}

// WindowRecord describes one stored window.
type WindowRecord struct {
	Symbol          string
	From            uint64
	To              uint64
	Key             string
	URI             string
	Records         int
	Bytes           int
	Checksum        string
	RunID           string
	ProducerVersion string
}

// RunRecord describes the state of one job invocation.
type RunRecord struct {
	RunID  string
	Name   string
	Symbol string
	First  uint64
	Last   uint64
	Cursor uint64
	State  string // "running" | "completed" | "failed"
	Error  string
}

// Range is an inclusive range of sequence IDs.
type Range struct {
	From uint64
	To   uint64
}

// Writer records lineage.
type Writer interface {
	// RecordWindow upserts a stored window.
	RecordWindow(ctx context.Context, rec WindowRecord) error

	// RecordRun upserts the state of a run.
	RecordRun(ctx context.Context, rec RunRecord) error

	// CoverageGaps returns the ranges of [from, to] that no recorded window
	// covers, in ascending order. Nothing recorded yields [from, to] itself.
	CoverageGaps(ctx context.Context, symbol string, from, to uint64) ([]Range, error)

	// Close releases any resources.
	Close() error
}

// NewWriter connects to PostgreSQL when a DSN is configured and returns a
// no-op writer otherwise. A connection failure is logged and also yields the
// no-op writer.
func NewWriter(ctx context.Context, cfg Config, log *slog.Logger) Writer {
	if cfg.PostgresDSN == "" {
		return NoopWriter()
	}
	w, err := NewPostgresWriter(ctx, cfg, log)
	if err != nil {
		log.Warn("catalog unavailable, continuing without it", "error", err)
		return NoopWriter()
	}
	return w
}

// NoopWriter returns a writer that records nothing.
func NoopWriter() Writer {
	return noopWriter{}
}

type noopWriter struct{}

func (noopWriter) RecordWindow(context.Context, WindowRecord) error { return nil }

func (noopWriter) RecordRun(context.Context, RunRecord) error { return nil }

func (noopWriter) CoverageGaps(_ context.Context, _ string, from, to uint64) ([]Range, error) {
	return []Range{{From: from, To: to}}, nil
}

func (noopWriter) Close() error { return nil }

// ContiguousTo returns the highest ID such that [from, id] has no gap, or
// from-1 when from itself is missing.
func ContiguousTo(gaps []Range, from, to uint64) uint64 {
	if len(gaps) == 0 {
		return to
	}
	if gaps[0].From <= from {
		return from - 1
	}
	return gaps[0].From - 1
}

// missingRanges returns the parts of [from, to] not covered by windows.
// windows must be sorted by From; overlaps are tolerated.
func missingRanges(windows []Range, from, to uint64) []Range {
	var gaps []Range
	next := from
	for _, w := range windows {
		if w.To < next {
			continue
		}
		if w.From > to {
			break
		}
		if w.From > next {
			gaps = append(gaps, Range{From: next, To: w.From - 1})
		}
		if w.To >= to {
			return gaps
		}
		next = w.To + 1
	}
	return append(gaps, Range{From: next, To: to})
}
