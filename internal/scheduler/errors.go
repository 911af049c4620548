package scheduler

import "errors"

var (
	// ErrDuplicateAgent is returned by Register for an already-registered ID.
	ErrDuplicateAgent = errors.New("scheduler: duplicate agent id")

	// ErrUnknownAgent is returned when an operation names an unregistered ID.
	ErrUnknownAgent = errors.New("scheduler: unknown agent id")

	// ErrStarted is returned by Register once the sweep loop is running;
	// the agent set is fixed at startup.
	ErrStarted = errors.New("scheduler: already started")
)
