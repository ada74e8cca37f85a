package errs

import "errors"

var (
	ErrInvalidRequest = errors.New("invalid request")

	ErrSessionExists   = errors.New("camera is already recording")
	ErrSessionNotFound = errors.New("no active recording for camera")
	ErrSessionBusy     = errors.New("camera recording is starting or stopping")

	ErrStreamUnavailable = errors.New("relay stream unavailable")
	ErrSourceUnreachable = errors.New("camera source is not reachable")

	ErrProcessStart  = errors.New("failed to start recording process")
	ErrProcessExited = errors.New("recording process exited")

	ErrSegmentExists   = errors.New("segment already queued")
	ErrSegmentNotFound = errors.New("segment not found")

	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidSchedule  = errors.New("invalid schedule")

	ErrPersist = errors.New("failed to persist local state")
)
