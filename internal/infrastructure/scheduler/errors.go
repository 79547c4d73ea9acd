package scheduler

import "errors"

var (
	// ErrSchedulerNotRunning is returned when triggering a sync on a stopped reconciler
	ErrSchedulerNotRunning = errors.New("scheduler is not running")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid scheduler configuration")
)
