package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-executions-copier/internal/source"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/window"
)

// RoundResult reports what one successful round stored.
type RoundResult struct {
	Windows  []window.Window
	Stored   []StoredPage // parallel to Windows
	Records  int
	Bytes    int
	Duration time.Duration
}

// Span returns the range the round covered.
func (r RoundResult) Span() window.Window {
	return window.Span(r.Windows)
}

// Barrier takes a round of windows through fetch then store. Every window
// gets its own worker and both phases wait for all workers, so a round is
// either stored completely or not at all.
type Barrier struct {
	env Env
	log *slog.Logger
}

// NewBarrier creates a barrier.
func NewBarrier(env Env) *Barrier {
	return &Barrier{env: env, log: env.logger()}
}

// RunRound fetches every window concurrently, then stores every page
// concurrently under the window's key. If any fetch fails no page is
// stored. If any store fails the pages this round created are removed
// again on a best-effort basis; objects from earlier runs are kept.
func (b *Barrier) RunRound(ctx context.Context, windows []window.Window, symbol string, fetchPolicy, storePolicy RetryPolicy) (RoundResult, error) {
	if len(windows) == 0 {
		return RoundResult{}, fmt.Errorf("%w: empty round", ErrPrecondition)
	}
	for i := 1; i < len(windows); i++ {
		if windows[i].From != windows[i-1].To+1 {
			return RoundResult{}, fmt.Errorf("%w: windows %s and %s are not contiguous",
				ErrPrecondition, windows[i-1], windows[i])
		}
	}

	start := time.Now()

	pages, err := b.fetchAll(ctx, windows, symbol, fetchPolicy)
	if err != nil {
		return RoundResult{}, err
	}

	stored, err := b.storeAll(ctx, windows, pages, symbol, storePolicy)
	if err != nil {
		return RoundResult{}, err
	}

	result := RoundResult{
		Windows:  windows,
		Stored:   stored,
		Duration: time.Since(start),
	}
	for _, s := range stored {
		result.Records += s.Records
		result.Bytes += s.Bytes
	}
	return result, nil
}

// fetchAll waits for every fetch worker. Siblings of a failed worker are
// left to finish their own attempts.
func (b *Barrier) fetchAll(ctx context.Context, windows []window.Window, symbol string, policy RetryPolicy) ([]source.Page, error) {
	pages := make([]source.Page, len(windows))

	var g errgroup.Group
	for i, w := range windows {
		i, w := i, w
		g.Go(func() error {
			page, err := NewFetchWorker(b.env).Fetch(ctx, symbol, w, policy)
			if err != nil {
				return err
			}
			pages[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.log.Warn("fetch phase failed, discarding round", "round", window.Span(windows), "error", err)
		return nil, err
	}
	return pages, nil
}

func (b *Barrier) storeAll(ctx context.Context, windows []window.Window, pages []source.Page, symbol string, policy RetryPolicy) ([]StoredPage, error) {
	stored := make([]StoredPage, len(windows))
	created := make([]bool, len(windows))

	var g errgroup.Group
	for i, w := range windows {
		i, w := i, w
		g.Go(func() error {
			key := w.Key()
			created[i] = b.isNewKey(ctx, key)
			s, err := NewStoreWorker(b.env, symbol).Store(ctx, pages[i], key, policy)
			if err != nil {
				return err
			}
			stored[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.log.Warn("store phase failed, rolling back round", "round", window.Span(windows), "error", err)
		b.rollback(ctx, stored, created)
		return nil, err
	}
	return stored, nil
}

// isNewKey reports whether key is absent before this round writes it. A
// failed lookup counts as present so rollback never removes the object.
func (b *Barrier) isNewKey(ctx context.Context, key string) bool {
	ok, err := b.env.Store.Exists(ctx, key)
	if err != nil {
		b.log.Warn("exists check failed", "key", key, "error", err)
		return false
	}
	return !ok
}

// rollback deletes the keys a failed round created. Keys that were already
// present keep their rewritten content, which is the same page. Failures
// are logged; a leftover key is rewritten with identical content by the
// next run.
func (b *Barrier) rollback(ctx context.Context, stored []StoredPage, created []bool) {
	ctx = context.WithoutCancel(ctx)
	for i, s := range stored {
		if s.Key == "" || !created[i] {
			continue
		}
		if err := b.env.Store.Delete(ctx, s.Key); err != nil {
			b.log.Warn("rollback failed", "key", s.Key, "error", err)
		}
	}
}
