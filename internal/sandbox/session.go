package sandbox

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/cue-voice-lab/internal/audio"
	"github.com/cue-voice-lab/internal/device"
	"github.com/cue-voice-lab/internal/recorder"
)

// CaptureState is the lifecycle of one capture session.
type CaptureState int

const (
	CaptureIdle CaptureState = iota
	CaptureAcquiring
	CaptureRecording
	CaptureStopping
)

func (s CaptureState) String() string {
	switch s {
	case CaptureIdle:
		return "idle"
	case CaptureAcquiring:
		return "acquiring"
	case CaptureRecording:
		return "recording"
	case CaptureStopping:
		return "stopping"
	default:
		return fmt.Sprintf("capture(%d)", int(s))
	}
}

// CaptureSession is one recording. It owns every device handle it acquired
// and releases all of them when the recorder stops, on every path.
type CaptureSession struct {
	ID       string
	Degraded bool

	mu      sync.Mutex
	state   CaptureState
	sources []device.Kind
	handles []*device.Handle

	graph *audio.Graph
	rec   *recorder.Recorder

	forwardDone chan struct{}
	stopOnce    sync.Once
	stopped     chan struct{}
	stopErr     error
}

func newCaptureSession(id string) *CaptureSession {
	return &CaptureSession{
		ID:          id,
		state:       CaptureAcquiring,
		forwardDone: make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

func (c *CaptureSession) State() CaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CaptureSession) setState(s CaptureState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Sources lists the device kinds feeding the session.
func (c *CaptureSession) Sources() []device.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]device.Kind(nil), c.sources...)
}

// Mixed reports whether more than one source feeds the recorder.
func (c *CaptureSession) Mixed() bool { return len(c.Sources()) > 1 }

func (c *CaptureSession) attach(h *device.Handle) {
	c.mu.Lock()
	c.handles = append(c.handles, h)
	c.sources = append(c.sources, h.Kind())
	c.mu.Unlock()
}

// release stops the mixing graph and every handle. Safe to call more than
// once since handle release is idempotent.
func (c *CaptureSession) release() error {
	if c.graph != nil {
		c.graph.Close()
	}
	c.mu.Lock()
	handles := c.handles
	c.mu.Unlock()
	var err error
	for _, h := range handles {
		err = multierr.Append(err, h.Release())
	}
	return err
}

// stop flushes the recorder, waits until every chunk was handed to the
// bridge and the devices are released. Later calls wait for the first.
func (c *CaptureSession) stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.setState(CaptureStopping)
		if c.rec != nil {
			c.stopErr = c.rec.Stop(ctx)
			<-c.forwardDone
		} else {
			c.stopErr = c.release()
		}
		c.setState(CaptureIdle)
		close(c.stopped)
	})
	select {
	case <-c.stopped:
		return c.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
