package media

import (
	"context"
	"errors"

	"github.com/arvoki/camlink/internal/core"
)

var errNoCaptureDevice = errors.New("no capture device available")

// Unavailable is the capability-detection fallback: acquisition always
// fails with a classified device-not-found error and is never retried.
type Unavailable struct{}

func (Unavailable) Acquire(context.Context) (core.MediaStream, error) {
	return nil, &Error{Kind: KindDeviceNotFound, Err: errNoCaptureDevice}
}
