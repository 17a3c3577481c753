package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glassbridge/glassbridge/internal/message"
	"github.com/glassbridge/glassbridge/pkg/provider/speech"
)

// Instance is one live provider stream serving exactly one subscription key.
// Streams are never shared across keys even when languages match; the 1:1
// mapping keeps teardown unambiguous when a subscription disappears.
type Instance struct {
	// ID uniquely identifies this instance for logging.
	ID string

	// Key is the subscription this instance serves.
	Key message.StreamKey

	// ProviderName is the provider the stream was placed on.
	ProviderName string

	// CreatedAt is when the stream reached Ready.
	CreatedAt time.Time

	handle speech.StreamHandle

	// cancel ends the context the provider's stream loops run under. Held
	// open for the life of the stream and invoked on close.
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	lastActivity  time.Time
	writeFailures int
	closeOnce     sync.Once
}

func newInstance(key message.StreamKey, providerName string, handle speech.StreamHandle, cancel context.CancelFunc) *Instance {
	now := time.Now()
	return &Instance{
		ID:           uuid.NewString(),
		Key:          key,
		ProviderName: providerName,
		CreatedAt:    now,
		handle:       handle,
		cancel:       cancel,
		state:        StateReady,
		lastActivity: now,
	}
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// LastActivity returns when audio or results last moved through the stream.
func (i *Instance) LastActivity() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActivity
}

// WriteFailures returns the consecutive audio-write failure count.
func (i *Instance) WriteFailures() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.writeFailures
}

// touch records activity and resets the failure streak.
func (i *Instance) touch() {
	i.mu.Lock()
	i.lastActivity = time.Now()
	i.writeFailures = 0
	i.mu.Unlock()
}

// writeAudio forwards one frame, tracking the Ready→Active transition and
// the consecutive-failure streak. Returns the write error, if any.
func (i *Instance) writeAudio(frame []byte) error {
	i.mu.Lock()
	if !i.state.Live() {
		i.mu.Unlock()
		return speech.ErrStreamClosed
	}
	i.mu.Unlock()

	err := i.handle.SendAudio(frame)

	i.mu.Lock()
	defer i.mu.Unlock()
	if err != nil {
		i.writeFailures++
		return err
	}
	if i.state == StateReady {
		i.state = StateActive
	}
	i.lastActivity = time.Now()
	i.writeFailures = 0
	return nil
}

// fail marks the instance terminally failed.
func (i *Instance) fail() {
	i.mu.Lock()
	i.state = StateError
	i.mu.Unlock()
}

// close runs an orderly shutdown of the provider handle. Idempotent.
func (i *Instance) close() {
	i.closeOnce.Do(func() {
		i.mu.Lock()
		if !i.state.Terminal() {
			i.state = StateClosing
		}
		i.mu.Unlock()

		_ = i.handle.Close()
		if i.cancel != nil {
			i.cancel()
		}

		i.mu.Lock()
		if i.state == StateClosing {
			i.state = StateClosed
		}
		i.mu.Unlock()
	})
}
