package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/withObsrvr/obsrvr-executions-copier/internal/window"
)

// DefaultName labels completion descriptors and alerts.
const DefaultName = "bitflyer executions"

// Job states reported in a CompletionDescriptor.
const (
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// InvokeNext is an opaque value the host uses to chain invocations. It is
// either a JSON bool or a JSON string and is handed back unchanged.
type InvokeNext struct {
	raw json.RawMessage
}

// InvokeNextBool wraps a bool.
func InvokeNextBool(b bool) InvokeNext {
	return InvokeNext{raw: json.RawMessage(strconv.FormatBool(b))}
}

// InvokeNextString wraps a string.
func InvokeNextString(s string) InvokeNext {
	raw, _ := json.Marshal(s)
	return InvokeNext{raw: raw}
}

// IsSet reports whether a value was provided.
func (v InvokeNext) IsSet() bool {
	return len(v.raw) > 0
}

// Value returns the wrapped bool or string, or nil when unset.
func (v InvokeNext) Value() any {
	if !v.IsSet() {
		return nil
	}
	var out any
	json.Unmarshal(v.raw, &out)
	return out
}

func (v InvokeNext) String() string {
	if !v.IsSet() {
		return "false"
	}
	return string(v.raw)
}

// MarshalJSON emits the value exactly as it was received. An unset value
// encodes as false.
func (v InvokeNext) MarshalJSON() ([]byte, error) {
	if !v.IsSet() {
		return []byte("false"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON accepts a JSON bool or string.
func (v *InvokeNext) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		v.raw = nil
		return nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.(type) {
	case bool, string:
	default:
		return fmt.Errorf("invokeNext must be a bool or a string, got %s", data)
	}
	v.raw = append(json.RawMessage(nil), data...)
	return nil
}

// JobState is everything a run needs. It travels only as input and output
// values; nothing is kept between runs.
type JobState struct {
	Name       string
	Symbol     string
	First      window.SequenceID
	Last       window.SequenceID
	Cursor     window.SequenceID // last stored ID; zero means First-1
	InvokeNext InvokeNext
}

// normalize validates the state and fills in the cursor.
func (s JobState) normalize() (JobState, error) {
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	if s.Symbol == "" {
		return s, fmt.Errorf("%w: symbol is required", ErrPrecondition)
	}
	if s.First == 0 {
		return s, fmt.Errorf("%w: first must be at least 1", ErrPrecondition)
	}
	if s.First > s.Last {
		return s, fmt.Errorf("%w: first %d is after last %d", ErrPrecondition, s.First, s.Last)
	}
	if s.Last > window.MaxSequenceID {
		return s, fmt.Errorf("%w: last %d exceeds %d", ErrPrecondition, s.Last, window.MaxSequenceID)
	}
	if s.Name == "" {
		s.Name = DefaultName
	}

	if s.Cursor == 0 {
		s.Cursor = s.First - 1
	}
	if s.Cursor < s.First-1 || s.Cursor >= s.Last {
		return s, fmt.Errorf("%w: cursor %d outside [%d, %d)", ErrPrecondition, s.Cursor, s.First-1, s.Last)
	}
	return s, nil
}

// CompletionDescriptor is the only value a successful run hands back.
type CompletionDescriptor struct {
	Name       string            `json:"name"`
	First      window.SequenceID `json:"first"`
	Last       window.SequenceID `json:"last"`
	State      string            `json:"state"`
	InvokeNext InvokeNext        `json:"invokeNext"`
}

// JobInput is the JSON event that starts a run.
type JobInput struct {
	Symbol     string     `json:"symbol"`
	First      FlexID     `json:"first"`
	Last       FlexID     `json:"last"`
	InvokeNext InvokeNext `json:"invokeNext"`
}

// ParseJobInput decodes a job event.
func ParseJobInput(data []byte) (JobInput, error) {
	var in JobInput
	if err := json.Unmarshal(data, &in); err != nil {
		return JobInput{}, fmt.Errorf("%w: decode job input: %v", ErrPrecondition, err)
	}
	return in, nil
}

// State converts the input into a JobState labelled name.
func (in JobInput) State(name string) JobState {
	return JobState{
		Name:       name,
		Symbol:     in.Symbol,
		First:      uint64(in.First),
		Last:       uint64(in.Last),
		InvokeNext: in.InvokeNext,
	}
}

// FlexID is a sequence ID that decodes from a JSON number or a numeric
// string.
type FlexID uint64

func (id *FlexID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid sequence ID %s", data)
	}
	*id = FlexID(n)
	return nil
}
