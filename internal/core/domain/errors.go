package domain

import (
	"errors"

	apperrors "mediarelay/pkg/errors"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrViewerNotFound   = errors.New("viewer not found")
	ErrTrackNotFound    = errors.New("track not found")
	ErrAgentExists      = errors.New("agent already registered")
	ErrViewerExists     = errors.New("viewer already registered")
	ErrStaleReference   = errors.New("stale reference")
	ErrConnectionLost   = errors.New("connection lost")
	ErrTransferAborted  = errors.New("transfer aborted")
	ErrChunkOutOfRange  = errors.New("chunk out of range")
	ErrInvalidEvent     = errors.New("invalid event")
	ErrPipelineStopped  = errors.New("pipeline stopped")
	ErrCapabilityDenied = errors.New("capability not granted")
)

var errorMappings = []apperrors.Mapping{
	{Sentinel: ErrAgentNotFound, Code: apperrors.ErrCodeNotFound},
	{Sentinel: ErrViewerNotFound, Code: apperrors.ErrCodeNotFound},
	{Sentinel: ErrTrackNotFound, Code: apperrors.ErrCodeNotFound},
	{Sentinel: ErrAgentExists, Code: apperrors.ErrCodeConflict},
	{Sentinel: ErrViewerExists, Code: apperrors.ErrCodeConflict},
	{Sentinel: ErrStaleReference, Code: apperrors.ErrCodeStaleReference},
	{Sentinel: ErrConnectionLost, Code: apperrors.ErrCodeConnectionLost},
	{Sentinel: ErrTransferAborted, Code: apperrors.ErrCodeTransferAborted},
	{Sentinel: ErrChunkOutOfRange, Code: apperrors.ErrCodeTransferAborted},
	{Sentinel: ErrInvalidEvent, Code: apperrors.ErrCodeInvalidEvent},
	{Sentinel: ErrCapabilityDenied, Code: apperrors.ErrCodeInvalidInput},
}

// ToAppError classifies err for HTTP responses and signaling error events.
func ToAppError(err error) *apperrors.AppError {
	return apperrors.Classify(err, errorMappings)
}
