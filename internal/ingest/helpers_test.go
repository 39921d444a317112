package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-executions-copier/internal/alert"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/logging"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/source"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/storage"
)

var errTransient = errors.New("connection reset by peer")

// fakeSource answers requests with one execution per ID unless fn is set.
type fakeSource struct {
	mu    sync.Mutex
	calls []source.Request
	fn    func(ctx context.Context, req source.Request, call int) (source.Page, error)
}

func (f *fakeSource) FetchExecutions(ctx context.Context, req source.Request) (source.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	call := len(f.calls)
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, req, call)
	}
	return fullPage(req), nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSource) requests() []source.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]source.Request, len(f.calls))
	copy(out, f.calls)
	return out
}

// fullPage returns one execution for every ID the request covers.
func fullPage(req source.Request) source.Page {
	var page source.Page
	for id := req.After + 1; id < req.Before; id++ {
		page = append(page, execution(id,
			fmt.Sprintf(`{"id":%d,"side":"BUY","price":1000000,"size":0.01,"exec_date":"2024-01-01T00:00:00.000"}`, id)))
	}
	return page
}

func execution(id uint64, raw string) source.Execution {
	return source.Execution{ID: id, Raw: json.RawMessage(raw)}
}

// flakyStore wraps a PageStore and fails Put for selected keys.
type flakyStore struct {
	storage.PageStore

	mu       sync.Mutex
	failures map[string]int // remaining failures per key, -1 forever
	puts     map[string]int
	deletes  []string
}

func newFlakyStore(inner storage.PageStore) *flakyStore {
	return &flakyStore{
		PageStore: inner,
		failures:  make(map[string]int),
		puts:      make(map[string]int),
	}
}

func (s *flakyStore) failKey(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key] = n
}

func (s *flakyStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	s.mu.Lock()
	s.puts[key]++
	n := s.failures[key]
	if n > 0 {
		s.failures[key] = n - 1
	}
	s.mu.Unlock()

	if n != 0 {
		return fmt.Errorf("put %s: %w", key, errTransient)
	}
	return s.PageStore.Put(ctx, key, body, contentType)
}

func (s *flakyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.deletes = append(s.deletes, key)
	s.mu.Unlock()
	return s.PageStore.Delete(ctx, key)
}

func (s *flakyStore) putCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[key]
}

func (s *flakyStore) totalPuts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.puts {
		total += n
	}
	return total
}

func newMemStore(t *testing.T) *storage.BlobStore {
	t.Helper()
	store := storage.NewBlobStore(memblob.OpenBucket(nil), "mem://", "", storage.EncodingNone)
	t.Cleanup(func() { store.Close() })
	return store
}

func storedKeys(t *testing.T, store storage.PageStore) []string {
	t.Helper()
	keys, err := store.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return keys
}

// recordingNotifier collects alert texts.
type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingNotifier) Notify(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func (r *recordingNotifier) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.texts))
	copy(out, r.texts)
	return out
}

// testEnv wires a fake source, a memory store and a recording alert sink.
func testEnv(t *testing.T, src *fakeSource, store storage.PageStore) (Env, *recordingNotifier) {
	t.Helper()
	rec := &recordingNotifier{}
	log := logging.Discard()
	return Env{
		Source: src,
		Store:  store,
		Alerts: alert.NewSink(rec, "test", time.UTC, log),
		Log:    log,
	}, rec
}

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, Delay: time.Millisecond}
}
