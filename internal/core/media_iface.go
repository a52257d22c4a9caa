package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaSource produces local media tracks for the producer role. The
// concrete implementation is selected once at startup by capability
// detection: either a device-backed source or an explicit unavailable
// stub. Callers never re-probe per acquisition.
type MediaSource interface {
	// Acquire opens the capture devices. Bounded by ctx; errors are
	// classified by the media error taxonomy.
	Acquire(ctx context.Context) (MediaStream, error)
}

// MediaStream is a set of live local tracks. Stop releases the devices;
// it is safe to call more than once.
type MediaStream interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}
