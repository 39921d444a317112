package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/withObsrvr/obsrvr-executions-copier/internal/source"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/storage"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/window"
)

func TestStoreEmptyPageWritesEmptyArray(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(t)
	env, _ := testEnv(t, &fakeSource{}, store)

	for _, page := range []source.Page{nil, {}} {
		key := window.Window{From: 1, To: 500}.Key()
		got, err := NewStoreWorker(env, "BTC_JPY").Store(ctx, page, key, fastPolicy(0))
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		if got.Records != 0 || got.Bytes != 2 || got.Key != key {
			t.Errorf("stored = %+v", got)
		}

		body, err := store.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(body) != "[]" {
			t.Errorf("body = %q, want []", body)
		}
	}

	info, err := store.Head(ctx, "0000000001-0000000500")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if info.ContentType != storage.ContentTypeJSON {
		t.Errorf("content type = %q", info.ContentType)
	}
}

func TestStoreOverwriteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(t)
	env, _ := testEnv(t, &fakeSource{}, store)
	worker := NewStoreWorker(env, "BTC_JPY")
	key := window.Window{From: 1, To: 3}.Key()

	first := source.Page{{ID: 1}, {ID: 2}}
	second := source.Page{{ID: 1}, {ID: 2}, {ID: 3}}
	if _, err := worker.Store(ctx, first, key, fastPolicy(0)); err != nil {
		t.Fatalf("Store first: %v", err)
	}
	stored, err := worker.Store(ctx, second, key, fastPolicy(0))
	if err != nil {
		t.Fatalf("Store second: %v", err)
	}

	keys := storedKeys(t, store)
	if len(keys) != 1 || keys[0] != key {
		t.Fatalf("keys = %v, want [%s]", keys, key)
	}

	body, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var got source.Page
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("stored %d records, want latest content with 3", len(got))
	}
	if stored.Checksum != storage.Checksum(body) {
		t.Errorf("checksum = %s, want %s", stored.Checksum, storage.Checksum(body))
	}
}

func TestStoreRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore(newMemStore(t))
	env, alerts := testEnv(t, &fakeSource{}, store)
	key := window.Window{From: 1, To: 2}.Key()
	store.failKey(key, 2)

	if _, err := NewStoreWorker(env, "BTC_JPY").Store(ctx, source.Page{{ID: 1}}, key, fastPolicy(2)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if store.putCount(key) != 3 {
		t.Errorf("puts = %d, want 3", store.putCount(key))
	}
	if alerts.count() != 2 {
		t.Errorf("alerts = %d, want 2", alerts.count())
	}
}

func TestStoreExhausted(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore(newMemStore(t))
	env, alerts := testEnv(t, &fakeSource{}, store)
	w := window.Window{From: 501, To: 1000}
	store.failKey(w.Key(), -1)

	_, err := NewStoreWorker(env, "BTC_JPY").Store(ctx, source.Page{}, w.Key(), fastPolicy(2))
	if !errors.Is(err, ErrStoreExhausted) {
		t.Fatalf("err = %v, want ErrStoreExhausted", err)
	}
	if errors.Is(err, ErrFetchExhausted) {
		t.Error("store failure must not match ErrFetchExhausted")
	}

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err is %T", err)
	}
	if ex.Kind != KindStore || ex.Key != w.Key() || ex.Window != w || ex.Attempts != 3 {
		t.Errorf("exhausted = %+v", ex)
	}
	if store.putCount(w.Key()) != 3 {
		t.Errorf("puts = %d, want 3", store.putCount(w.Key()))
	}
	if alerts.count() != 3 {
		t.Errorf("alerts = %d, want 3", alerts.count())
	}
	if keys := storedKeys(t, store); len(keys) != 0 {
		t.Errorf("keys = %v, want none", keys)
	}
}

func TestEncodePage(t *testing.T) {
	body, err := EncodePage(source.Page{{ID: 42}})
	if err != nil {
		t.Fatalf("EncodePage: %v", err)
	}
	if string(body) != `[{"id":42}]` {
		t.Errorf("encoded = %s", body)
	}
}

func TestStoreKeepsRemoteRecordsVerbatim(t *testing.T) {
	ctx := context.Background()
	remote := `[{"id":2,"side":"SELL","price":9999999.123456789,"size":0.01,"exec_date":"2024-01-01T00:00:00.123","delay_flag":true},` +
		`{"id":1,"side":"BUY","price":100,"size":1E-8}]`

	src := &fakeSource{fn: func(context.Context, source.Request, int) (source.Page, error) {
		return source.DecodePage([]byte(remote))
	}}
	store := newMemStore(t)
	env, _ := testEnv(t, src, store)

	res, err := NewBarrier(env).RunRound(ctx, []window.Window{{From: 1, To: 2}}, "BTC_JPY", fastPolicy(0), fastPolicy(0))
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	body, err := store.Get(ctx, "0000000001-0000000002")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != remote {
		t.Errorf("stored body differs from the remote records\n got %s\nwant %s", body, remote)
	}
	if res.Records != 2 || res.Stored[0].Checksum != storage.Checksum([]byte(remote)) {
		t.Errorf("result = %+v", res)
	}
}
