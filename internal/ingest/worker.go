package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-executions-copier/internal/alert"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/metrics"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/source"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/storage"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/window"
)

// Env carries the collaborators shared by every worker. Nil Alerts and
// Metrics are allowed.
type Env struct {
	Source  source.ExecutionSource
	Store   storage.PageStore
	Alerts  *alert.Sink
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Log == nil {
		return logging.Discard()
	}
	return e.Log
}

// FetchWorker fetches one window. A worker owns its retry budget and is
// used for a single window.
type FetchWorker struct {
	env Env
	log *slog.Logger
}

// NewFetchWorker creates a fetch worker.
func NewFetchWorker(env Env) *FetchWorker {
	return &FetchWorker{env: env, log: env.logger()}
}

// Fetch returns the records of w. An empty result is returned as an empty,
// non-nil page. Failures are retried according to policy; once the budget
// is spent an *ExhaustedError of KindFetch is returned.
func (f *FetchWorker) Fetch(ctx context.Context, symbol string, w window.Window, policy RetryPolicy) (source.Page, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	req, err := source.BuildRequest(symbol, w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}

	log := logging.WindowLogger(f.log, w.From, w.To)
	start := time.Now()

	var page source.Page
	attempts, err := retry(ctx, policy, func(actx context.Context) error {
		got, err := f.env.Source.FetchExecutions(actx, req)
		if err != nil {
			return err
		}
		got, err = checkPage(got, w)
		if err != nil {
			return err
		}
		page = got
		return nil
	}, func(attempt int, err error, next time.Duration) {
		log.Warn("fetch failed, retrying",
			"attempt", attempt,
			"max_attempts", policy.MaxRetries+1,
			"retry_in", next,
			"error", err,
		)
		f.env.Metrics.IncRetryAttempts(symbol, metrics.OpFetch)
		f.env.Alerts.Alertf(ctx, "fetch %s %s failed (attempt %d/%d), retrying in %s: %v",
			symbol, w, attempt, policy.MaxRetries+1, next, err)
	})
	f.env.Metrics.ObserveFetchDuration(symbol, time.Since(start).Seconds())

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("fetch %s: %w", w, ctxErr)
		}
		ex := &ExhaustedError{Kind: KindFetch, Window: w, Key: w.Key(), Attempts: attempts, Err: err}
		log.Error("fetch retries exhausted", "attempts", attempts, "error", err)
		f.env.Metrics.IncRetriesExhausted(symbol, metrics.OpFetch)
		f.env.Alerts.Alertf(ctx, "fetch %s %s gave up after %d attempts: %v", symbol, w, attempts, err)
		return nil, ex
	}

	log.Debug("fetched window", "records", len(page), "attempts", attempts)
	return page, nil
}

// StoredPage describes one page written by a StoreWorker.
type StoredPage struct {
	Key      string
	Records  int
	Bytes    int
	Checksum string
}

// StoreWorker writes one page. A worker owns its retry budget and is used
// for a single window.
type StoreWorker struct {
	env    Env
	symbol string
	log    *slog.Logger
}

// NewStoreWorker creates a store worker. symbol labels alerts and metrics.
func NewStoreWorker(env Env, symbol string) *StoreWorker {
	return &StoreWorker{env: env, symbol: symbol, log: env.logger()}
}

// EncodePage writes the page as a JSON array holding every record
// byte-for-byte as the remote sent it, in the remote's order. An empty or
// nil page encodes as [].
func EncodePage(page source.Page) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, rec := range page {
		if i > 0 {
			buf.WriteByte(',')
		}
		raw, err := rec.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode record %d: %w", rec.ID, err)
		}
		buf.Write(raw)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Store writes page under key, overwriting any previous object. Failures
// are retried according to policy; once the budget is spent an
// *ExhaustedError of KindStore is returned.
func (s *StoreWorker) Store(ctx context.Context, page source.Page, key string, policy RetryPolicy) (StoredPage, error) {
	if err := policy.Validate(); err != nil {
		return StoredPage{}, err
	}
	body, err := EncodePage(page)
	if err != nil {
		return StoredPage{}, fmt.Errorf("encode page %s: %w", key, err)
	}

	log := s.log.With("key", key)
	start := time.Now()

	attempts, err := retry(ctx, policy, func(actx context.Context) error {
		return s.env.Store.Put(actx, key, body, storage.ContentTypeJSON)
	}, func(attempt int, err error, next time.Duration) {
		log.Warn("store failed, retrying",
			"attempt", attempt,
			"max_attempts", policy.MaxRetries+1,
			"retry_in", next,
			"error", err,
		)
		s.env.Metrics.IncRetryAttempts(s.symbol, metrics.OpStore)
		s.env.Alerts.Alertf(ctx, "store %s %s failed (attempt %d/%d), retrying in %s: %v",
			s.symbol, key, attempt, policy.MaxRetries+1, next, err)
	})
	s.env.Metrics.ObserveStoreDuration(s.symbol, time.Since(start).Seconds())

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return StoredPage{}, fmt.Errorf("store %s: %w", key, ctxErr)
		}
		ex := &ExhaustedError{Kind: KindStore, Key: key, Attempts: attempts, Err: err}
		if w, perr := window.ParseKey(key); perr == nil {
			ex.Window = w
		}
		log.Error("store retries exhausted", "attempts", attempts, "error", err)
		s.env.Metrics.IncRetriesExhausted(s.symbol, metrics.OpStore)
		s.env.Alerts.Alertf(ctx, "store %s %s gave up after %d attempts: %v", s.symbol, key, attempts, err)
		return StoredPage{}, ex
	}

	log.Debug("stored page", "records", len(page), "bytes", len(body), "attempts", attempts)
	return StoredPage{
		Key:      key,
		Records:  len(page),
		Bytes:    len(body),
		Checksum: storage.Checksum(body),
	}, nil
}
