package attribution

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/metric-attribution/internal/compute"
	"github.com/sells-group/metric-attribution/internal/store"
)

var (
	// ErrNotFound means the requested tree, task, result or report does not exist.
	ErrNotFound = eris.New("attribution: not found")
	// ErrNotReady means the task exists but has not finished successfully.
	ErrNotReady = eris.New("attribution: result not ready")
	// ErrValidation means the caller supplied an invalid request.
	ErrValidation = eris.New("attribution: invalid request")
	// ErrConfig means a tree or metric value cannot be used as configured.
	ErrConfig = eris.New("attribution: configuration error")
)

// IsConfigError reports whether err stems from bad tree configuration or
// unusable metric data rather than an infrastructure failure.
func IsConfigError(err error) bool {
	return eris.Is(err, ErrConfig) ||
		eris.Is(err, compute.ErrMissingMetricValue) ||
		eris.Is(err, compute.ErrInvalidNode)
}

// translateNotFound maps store.ErrNotFound onto ErrNotFound and wraps
// anything else unchanged.
func translateNotFound(err error, format string, args ...any) error {
	if eris.Is(err, store.ErrNotFound) {
		return eris.Wrapf(ErrNotFound, format, args...)
	}
	return eris.Wrapf(err, format, args...)
}
