package ingest

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestInvokeNextRoundTrip(t *testing.T) {
	tests := []string{`true`, `false`, `"arn:aws:lambda:next"`, `""`}
	for _, in := range tests {
		var v InvokeNext
		if err := json.Unmarshal([]byte(in), &v); err != nil {
			t.Fatalf("Unmarshal(%s): %v", in, err)
		}
		out, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if string(out) != in {
			t.Errorf("round trip %s -> %s", in, out)
		}
	}
}

func TestInvokeNextRejectsOtherTypes(t *testing.T) {
	for _, in := range []string{`1`, `{}`, `[]`} {
		var v InvokeNext
		if err := json.Unmarshal([]byte(in), &v); err == nil {
			t.Errorf("Unmarshal(%s) should fail", in)
		}
	}
}

func TestInvokeNextUnset(t *testing.T) {
	var v InvokeNext
	if v.IsSet() || v.Value() != nil {
		t.Errorf("zero value should be unset")
	}
	out, _ := json.Marshal(v)
	if string(out) != "false" {
		t.Errorf("unset encodes as %s", out)
	}
	if InvokeNextBool(true).Value() != true {
		t.Error("bool value lost")
	}
}

func TestParseJobInput(t *testing.T) {
	in, err := ParseJobInput([]byte(`{"symbol":"BTC_JPY","first":"1","last":1234,"invokeNext":"next","extra":1}`))
	if err != nil {
		t.Fatalf("ParseJobInput: %v", err)
	}
	state := in.State("job")
	if state.Symbol != "BTC_JPY" || state.First != 1 || state.Last != 1234 || state.Name != "job" {
		t.Errorf("state = %+v", state)
	}
	if state.InvokeNext.Value() != "next" {
		t.Errorf("invokeNext = %v", state.InvokeNext.Value())
	}

	for _, bad := range []string{`{"first":"x"}`, `{"last":-1}`, `{"invokeNext":3}`, `not json`} {
		if _, err := ParseJobInput([]byte(bad)); !errors.Is(err, ErrPrecondition) {
			t.Errorf("ParseJobInput(%s) err = %v, want ErrPrecondition", bad, err)
		}
	}
}

func TestCompletionDescriptorJSON(t *testing.T) {
	desc := CompletionDescriptor{
		Name:       DefaultName,
		First:      1,
		Last:       1234,
		State:      StateCompleted,
		InvokeNext: InvokeNextBool(false),
	}
	out, err := json.Marshal(desc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"name":"bitflyer executions","first":1,"last":1234,"state":"completed","invokeNext":false}`
	if string(out) != want {
		t.Errorf("descriptor = %s, want %s", out, want)
	}
}

func TestErrorMessages(t *testing.T) {
	ex := &ExhaustedError{Kind: KindStore, Key: "0000000001-0000000500", Attempts: 3, Err: errTransient}
	if got := ex.Error(); got != "store 0000000001-0000000500 exhausted after 3 attempts: connection reset by peer" {
		t.Errorf("ExhaustedError = %q", got)
	}

	rerr := &RoundError{Cursor: 1000, From: 1001, To: 1234, Err: ex}
	if got := rerr.Error(); got != "round [1001-1234] failed (cursor 1000, resume from 1001): "+ex.Error() {
		t.Errorf("RoundError = %q", got)
	}
	if !errors.Is(rerr, ErrStoreExhausted) {
		t.Error("RoundError should unwrap to the exhausted error")
	}
}
