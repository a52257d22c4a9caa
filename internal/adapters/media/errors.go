package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the media acquisition failure class.
type Kind string

const (
	KindPermissionDenied  Kind = "permission-denied"
	KindDeviceNotFound    Kind = "device-not-found"
	KindDeviceBusy        Kind = "device-busy"
	KindOverconstrained   Kind = "overconstrained"
	KindHardwareAbort     Kind = "hardware-abort"
	KindSecurityDisabled  Kind = "security-disabled"
	KindInvalidConstraint Kind = "invalid-constraint"
	KindTimeout           Kind = "timeout"
	KindUnknown           Kind = "unknown"
)

// userMessages are the fixed user-facing texts per failure class.
var userMessages = map[Kind]string{
	KindPermissionDenied:  "Camera access was denied. Allow camera access and try again.",
	KindDeviceNotFound:    "No camera was found on this device.",
	KindDeviceBusy:        "The camera is in use by another application.",
	KindOverconstrained:   "The camera does not support the requested settings.",
	KindHardwareAbort:     "The camera stopped unexpectedly.",
	KindSecurityDisabled:  "Camera access is disabled by a security policy.",
	KindInvalidConstraint: "The requested camera settings are invalid.",
	KindTimeout:           "Starting the camera took too long.",
	KindUnknown:           "The camera could not be started.",
}

// retryable marks the transient classes worth another bounded attempt.
var retryable = map[Kind]bool{
	KindDeviceBusy:    true,
	KindHardwareAbort: true,
	KindTimeout:       true,
	KindUnknown:       true,
}

// Error wraps an acquisition failure with its class. The class name is
// part of the message so that generic recoverability classification by
// message content sees it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("media acquisition failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage returns the fixed presentation-layer text for this class.
func (e *Error) UserMessage() string { return userMessages[e.Kind] }

// Retryable reports whether this class is transient.
func (e *Error) Retryable() bool { return retryable[e.Kind] }

// Classify maps a raw acquisition error onto the taxonomy. Already
// classified errors pass through unchanged.
func Classify(err error) *Error {
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"):
		return &Error{Kind: KindPermissionDenied, Err: err}
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such"):
		return &Error{Kind: KindDeviceNotFound, Err: err}
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return &Error{Kind: KindDeviceBusy, Err: err}
	case strings.Contains(msg, "overconstrained"), strings.Contains(msg, "failed to find the best driver"):
		return &Error{Kind: KindOverconstrained, Err: err}
	case strings.Contains(msg, "constraint"):
		return &Error{Kind: KindInvalidConstraint, Err: err}
	case strings.Contains(msg, "abort"):
		return &Error{Kind: KindHardwareAbort, Err: err}
	case strings.Contains(msg, "security"), strings.Contains(msg, "disabled"):
		return &Error{Kind: KindSecurityDisabled, Err: err}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindUnknown, Err: err}
}
