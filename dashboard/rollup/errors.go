package rollup

import (
	"errors"
	"fmt"
)

// ErrUnavailable matches every refresh failure caused by the inventory
// backend. Callers holding an older result may serve it instead.
var ErrUnavailable = errors.New("inventory backend unavailable")

// Refresh stages reported in RefreshError.
const (
	StageListNodes   = "list_nodes"
	StageFetchEvents = "fetch_events"
	StagePersist     = "persist"
)

// RefreshError describes an aborted refresh. Nothing was written to the
// cache when Stage is a backend stage.
type RefreshError struct {
	Environment string
	Stage       string
	Err         error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("rollup refresh %s failed at %s: %v", e.Environment, e.Stage, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether a previously computed result is still a valid
// answer, i.e. the backend, not the cache, failed.
func (e *RefreshError) Recoverable() bool {
	return e.Stage == StageListNodes || e.Stage == StageFetchEvents
}

// Is makes errors.Is(err, ErrUnavailable) true for backend failures.
func (e *RefreshError) Is(target error) bool {
	return target == ErrUnavailable && e.Recoverable()
}
