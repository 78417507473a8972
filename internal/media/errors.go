package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/observer/teacall/internal/domain"
)

// Device errors reported by drivers
var (
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrDeviceNotFound   = errors.New("media: device not found")
	ErrDeviceBusy       = errors.New("media: device busy")
)

// Reason is the closed set of acquisition failure causes.
type Reason string

const (
	ReasonPermissionDenied Reason = domain.CodePermissionDenied
	ReasonDeviceNotFound   Reason = domain.CodeDeviceNotFound
	ReasonDeviceBusy       Reason = domain.CodeDeviceBusy
	ReasonUnknown          Reason = domain.CodeUnknown
)

// UserMessage is the remediation text shown for the reason.
func (r Reason) UserMessage() string {
	switch r {
	case ReasonPermissionDenied:
		return "Access to your camera or microphone was blocked. Allow it in your system or browser privacy settings and try again."
	case ReasonDeviceNotFound:
		return "No camera or microphone was found. Plug one in and try again."
	case ReasonDeviceBusy:
		return "Your camera or microphone is in use by another application. Close it and try again."
	}
	return "We couldn't start your camera or microphone."
}

// AcquireError is returned by an Acquirer when capture fails.
type AcquireError struct {
	Reason Reason
	Device string
	Err    error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire %s: %s: %v", e.Device, e.Reason, e.Err)
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the device never answered in time.
func (e *AcquireError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Failure converts the error into the call failure shown to the user.
func (e *AcquireError) Failure() *domain.Failure {
	code := string(e.Reason)
	if e.Timeout() {
		code = domain.CodeTimeout
	}
	return &domain.Failure{
		Kind:    domain.FailureAcquisition,
		Code:    code,
		Message: e.Reason.UserMessage(),
		Err:     e,
	}
}

// Classify maps a driver error onto a Reason.
func Classify(err error) Reason {
	var ae *AcquireError
	switch {
	case errors.As(err, &ae):
		return ae.Reason
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return ReasonPermissionDenied
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV):
		return ReasonDeviceNotFound
	case errors.Is(err, ErrDeviceBusy), errors.Is(err, syscall.EBUSY):
		return ReasonDeviceBusy
	}

	// mediadevices reports driver selection failures only as text
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"):
		return ReasonPermissionDenied
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "not found"):
		return ReasonDeviceNotFound
	case strings.Contains(msg, "busy"):
		return ReasonDeviceBusy
	}
	return ReasonUnknown
}
