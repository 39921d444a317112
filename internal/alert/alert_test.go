package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 15, 4, 0, 0, time.UTC)

	tokyo, err := LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	if got := FormatTime(ts, time.UTC); got != "2024/03/01 15:04 UTC" {
		t.Errorf("UTC = %q", got)
	}
	if got := FormatTime(ts, tokyo); got != "2024/03/02 00:04 JST" {
		t.Errorf("Tokyo = %q", got)
	}
}

func TestLoadLocation(t *testing.T) {
	loc, err := LoadLocation("")
	if err != nil || loc != time.UTC {
		t.Errorf("empty zone = %v, %v", loc, err)
	}
	if _, err := LoadLocation("Mars/Olympus_Mons"); err == nil {
		t.Error("unknown zone should fail")
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (r *recordingNotifier) Notify(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return r.err
}

func (r *recordingNotifier) Close() error { return nil }

func TestSinkFormatsMessages(t *testing.T) {
	rec := &recordingNotifier{}
	sink := NewSink(rec, "bitflyer executions", time.UTC, discardLogger())
	sink.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	sink.Alertf(context.Background(), "fetch %s failed (attempt %d)", "[1-500]", 2)

	if len(rec.texts) != 1 {
		t.Fatalf("got %d alerts", len(rec.texts))
	}
	want := "[bitflyer executions] 2024/01/02 03:04 UTC fetch [1-500] failed (attempt 2)"
	if rec.texts[0] != want {
		t.Errorf("alert = %q, want %q", rec.texts[0], want)
	}
}

func TestSinkSwallowsFailures(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("channel down")}
	sink := NewSink(rec, "job", nil, discardLogger())

	sink.Alertf(context.Background(), "hello")
	if len(rec.texts) != 1 {
		t.Errorf("notifier should still be called once, got %d", len(rec.texts))
	}
}

func TestSinkSendsAfterCancellation(t *testing.T) {
	rec := &recordingNotifier{}
	sink := NewSink(rec, "job", nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Alertf(ctx, "shutting down")
	if len(rec.texts) != 1 {
		t.Errorf("alert on cancelled context should still be delivered")
	}
}

func TestNilSinkIsSafe(t *testing.T) {
	var sink *Sink
	sink.Alertf(context.Background(), "ignored")
}

func TestWebhookNotifierPostsText(t *testing.T) {
	var got webhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, 0)
	if err := n.Notify(context.Background(), "round stored"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.Text != "round stored" {
		t.Errorf("text = %q", got.Text)
	}
}

func TestWebhookNotifierRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("oops"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, 1)
	n.delay = time.Millisecond
	if err := n.Notify(context.Background(), "x"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestWebhookNotifierGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("invalid_token"))
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, 1)
	n.delay = time.Millisecond
	err := n.Notify(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "invalid_token") {
		t.Errorf("err = %v", err)
	}
}

func TestWebhookNotifierBacksOffExponentially(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, 3)
	n.delay = 20 * time.Millisecond
	err := n.Notify(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "all 4 attempts failed") {
		t.Fatalf("err = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(times) != 4 {
		t.Fatalf("calls = %d, want 4", len(times))
	}
	// Waits of 20ms, 40ms, 80ms.
	if gap := times[3].Sub(times[2]); gap < 80*time.Millisecond {
		t.Errorf("last wait = %v, want at least 80ms", gap)
	}
	if total := times[3].Sub(times[0]); total < 140*time.Millisecond {
		t.Errorf("total wait = %v, want at least 140ms", total)
	}
}

func TestWebhookNotifierStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		cancel()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, 5)
	n.delay = time.Hour
	if err := n.Notify(ctx, "x"); err == nil {
		t.Fatal("Notify should fail after cancel")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestNewNotifierSelection(t *testing.T) {
	log := discardLogger()
	if _, ok := NewNotifier(Config{Disabled: true, WebhookURL: "http://x"}, log).(noopNotifier); !ok {
		t.Error("disabled config should yield noop notifier")
	}
	if _, ok := NewNotifier(Config{}, log).(*LogNotifier); !ok {
		t.Error("empty webhook should yield log notifier")
	}
	if _, ok := NewNotifier(Config{WebhookURL: "http://x"}, log).(*WebhookNotifier); !ok {
		t.Error("webhook URL should yield webhook notifier")
	}
}
