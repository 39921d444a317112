package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-executions-copier/internal/source"
	"github.com/withObsrvr/obsrvr-executions-copier/internal/window"
)

// ErrInvalidPage is returned when the remote answered with records that do
// not belong to the requested window. It is treated as a transient failure.
var ErrInvalidPage = errors.New("invalid page")

// ValidationResult contains the outcome of page validation.
type ValidationResult struct {
	Passed bool
	Errors []string
}

// Err returns nil when the page passed, or an error listing every problem.
func (r ValidationResult) Err() error {
	if r.Passed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidPage, strings.Join(r.Errors, "; "))
}

// ValidatePage checks that every record lies inside w and that no ID
// repeats. Record order is not checked; the remote's order is kept as is.
func ValidatePage(page source.Page, w window.Window) ValidationResult {
	result := ValidationResult{Passed: true}

	if uint64(len(page)) > w.Size() {
		result.Errors = append(result.Errors,
			fmt.Sprintf("record count %d exceeds window size %d", len(page), w.Size()))
		result.Passed = false
	}

	seen := make(map[window.SequenceID]struct{}, len(page))
	for _, rec := range page {
		if rec.ID < w.From || rec.ID > w.To {
			result.Errors = append(result.Errors,
				fmt.Sprintf("record %d outside window %s", rec.ID, w))
			result.Passed = false
		}
		if _, dup := seen[rec.ID]; dup {
			result.Errors = append(result.Errors,
				fmt.Sprintf("duplicate record %d", rec.ID))
			result.Passed = false
		}
		seen[rec.ID] = struct{}{}
	}

	return result
}

// checkPage validates page against w and returns it unchanged, or an empty
// page when the remote returned none.
func checkPage(page source.Page, w window.Window) (source.Page, error) {
	if err := ValidatePage(page, w).Err(); err != nil {
		return nil, err
	}
	if page == nil {
		page = source.Page{}
	}
	return page, nil
}
