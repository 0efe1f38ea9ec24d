package pkg

import "errors"

var (
	// ErrPermissionDenied means device location access was not granted
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrLocationDisabled means the device location service is switched off
	ErrLocationDisabled = errors.New("location service disabled")
	// ErrLowAccuracy marks a fix above the accuracy floor
	ErrLowAccuracy = errors.New("fix accuracy below floor")
	// ErrBackendWrite wraps record store append failures
	ErrBackendWrite = errors.New("record store write failed")
	// ErrConfigResolution wraps profile/site/policy read failures
	ErrConfigResolution = errors.New("config resolution failed")
	// ErrNotFound is returned by directories for unknown ids
	ErrNotFound = errors.New("not found")
	// ErrSessionStopped is returned by operations on a stopped session
	ErrSessionStopped = errors.New("tracking session stopped")
)
