package domain

import "errors"

// Domain errors - use these for consistent error handling
var (
	// Registry errors
	ErrNoActiveCall       = errors.New("no active call")
	ErrInvalidParticipant = errors.New("participant id is required")
	ErrSelfCall           = errors.New("cannot call yourself")
	ErrInvalidRoom        = errors.New("invalid room id")
	ErrRegistryClosed     = errors.New("call registry is shut down")
	ErrNoStream           = errors.New("no stream to show in picture-in-picture")

	// Session errors
	ErrSessionClosed  = errors.New("call session has ended")
	ErrNoVideoTrack   = errors.New("no video track to toggle")
	ErrNoAudioTrack   = errors.New("no audio track to toggle")
	ErrSwapInProgress = errors.New("a video source swap is already in progress")
)
