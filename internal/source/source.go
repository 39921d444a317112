// Package source fetches pages of trade executions from the remote
// paginated executions API.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/withObsrvr/obsrvr-executions-copier/internal/window"
)

// MaxPageSize is the hard ceiling the remote API accepts for count.
const MaxPageSize = 500

// ErrInvalidSourceMode is returned for an unknown source mode.
var ErrInvalidSourceMode = errors.New("invalid source mode")

// ErrMissingID is returned for a record without a numeric "id" field.
var ErrMissingID = errors.New("execution record has no id")

// Execution is one trade execution record. Raw holds the record exactly as
// the remote sent it and is what gets stored; only the ID is decoded, for
// validation.
type Execution struct {
	ID  window.SequenceID
	Raw json.RawMessage
}

func (e *Execution) UnmarshalJSON(data []byte) error {
	var head struct {
		ID *uint64 `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode execution id: %w", err)
	}
	if head.ID == nil {
		return ErrMissingID
	}
	e.ID = *head.ID
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON returns the record as received. A record built without Raw
// encodes as {"id":N}.
func (e Execution) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return []byte(`{"id":` + strconv.FormatUint(e.ID, 10) + `}`), nil
	}
	return e.Raw, nil
}

// Page is the ordered set of executions returned for one window, in the
// order the remote sent them. An empty page is a valid gap in the remote
// dataset.
type Page []Execution

// Request is a single paginated query. After and Before are exclusive
// bounds; a zero value means the bound is omitted.
type Request struct {
	Symbol string
	Count  int
	After  uint64
	Before uint64
}

// BuildRequest translates an inclusive window into the remote API's
// exclusive-boundary convention so the response covers exactly [From, To].
func BuildRequest(symbol string, w window.Window) (Request, error) {
	if w.From == 0 || w.From > w.To {
		return Request{}, fmt.Errorf("invalid window %v", w)
	}
	if w.To > window.MaxSequenceID {
		return Request{}, fmt.Errorf("window %v exceeds max id %d", w, window.MaxSequenceID)
	}
	if w.Size() > MaxPageSize {
		return Request{}, fmt.Errorf("window %v exceeds max page size %d", w, MaxPageSize)
	}
	return Request{
		Symbol: symbol,
		Count:  int(w.Size()),
		After:  w.From - 1,
		Before: w.To + 1,
	}, nil
}

// ExecutionSource issues one paginated request against the remote API.
// Implementations must release any connection before returning.
type ExecutionSource interface {
	FetchExecutions(ctx context.Context, req Request) (Page, error)
}

// SourceConfig configures the remote API client.
type SourceConfig struct {
	Mode              string // "http"
	BaseURL           string
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	Timeout           time.Duration
}

// NewExecutionSource constructs a source based on the configured mode.
func NewExecutionSource(cfg SourceConfig) (ExecutionSource, error) {
	switch cfg.Mode {
	case "", "http":
		return NewHTTPSource(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidSourceMode, cfg.Mode)
	}
}
