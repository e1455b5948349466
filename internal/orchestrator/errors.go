package orchestrator

import "errors"

var (
	// ErrSessionFinished is returned when resuming a session that already
	// produced its final report.
	ErrSessionFinished = errors.New("session already finished")

	// ErrSessionExists is returned when starting a session under an ID that
	// already has checkpoints.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionRunning is returned when a session is started or resumed
	// while this engine is still running it.
	ErrSessionRunning = errors.New("session is running")

	// ErrInvalidSessionID is returned for IDs outside [A-Za-z0-9_-]{1,128}.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrEmptyRequest is returned when a session is started without a request.
	ErrEmptyRequest = errors.New("request is empty")
)
