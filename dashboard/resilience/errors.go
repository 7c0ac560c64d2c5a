package resilience

import (
	"fmt"
	"sort"
	"strings"
)

// SweepError reports the environments a rebuild sweep could not refresh.
// The others were rebuilt normally.
type SweepError struct {
	Total     int
	Succeeded int
	Failed    int
	Failures  map[string]error
}

func (e *SweepError) Error() string {
	envs := make([]string, 0, len(e.Failures))
	for env := range e.Failures {
		envs = append(envs, env)
	}
	sort.Strings(envs)
	return fmt.Sprintf("rebuild sweep partial failure: %d succeeded, %d failed (total: %d) [%s]",
		e.Succeeded, e.Failed, e.Total, strings.Join(envs, ", "))
}

// Unwrap exposes the per-environment errors to errors.Is and errors.As.
func (e *SweepError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}
