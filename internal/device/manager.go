package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/metrics"
	"github.com/cue-voice-lab/internal/pipeerr"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Handle is one acquired capture source. Release is idempotent.
type Handle struct {
	id       string
	kind     Kind
	src      Source
	tracks   []Track
	once     sync.Once
	released atomic.Bool
	mgr      *Manager
}

func (h *Handle) ID() string     { return h.id }
func (h *Handle) Kind() Kind     { return h.kind }
func (h *Handle) Source() Source { return h.src }
func (h *Handle) Released() bool { return h.released.Load() }

// Release stops every track of the handle. Only the first call does work;
// later calls return nil.
func (h *Handle) Release() error {
	var err error
	h.once.Do(func() {
		for _, t := range h.tracks {
			err = multierr.Append(err, t.Stop())
		}
		h.released.Store(true)
		if h.mgr != nil {
			h.mgr.forget(h)
		}
		if err != nil {
			logging.Warnw("device: track stop failed", append(DeviceFieldsOf(h), "err", err)...)
		} else {
			logging.Debugw("device: released", DeviceFieldsOf(h)...)
		}
	})
	return err
}

// DeviceFieldsOf returns the log fields describing h.
func DeviceFieldsOf(h *Handle) []interface{} {
	return logging.DeviceFields(h.kind.String(), h.id)
}

// Manager hands out handles and keeps track of which are still open.
type Manager struct {
	platform Platform
	metrics  *metrics.Metrics

	mu    sync.Mutex
	perms map[Kind]Permission
	open  map[string]*Handle
}

func NewManager(p Platform, m *metrics.Metrics) *Manager {
	return &Manager{
		platform: p,
		metrics:  m,
		perms:    make(map[Kind]Permission),
		open:     make(map[string]*Handle),
	}
}

// CheckPermission queries the platform without prompting and caches the
// answer. It is re-run before every acquisition.
func (m *Manager) CheckPermission(kind Kind) Permission {
	p := m.platform.Permission(kind)
	m.mu.Lock()
	m.perms[kind] = p
	m.mu.Unlock()
	return p
}

// CachedPermission returns the last known permission for kind.
func (m *Manager) CachedPermission(kind Kind) Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perms[kind]
}

// Acquire opens a capture source. The platform may prompt the user; the call
// blocks until the prompt resolves or ctx ends. Failures are classified into
// the pipeline taxonomy and leave no open handle behind.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Handle, error) {
	if req.Kind == KindTabAudio && req.CaptureToken == "" {
		err := fmt.Errorf("device: %s: missing capture token: %w", req.Kind, pipeerr.ErrPermissionDenied)
		m.metrics.DeviceFailed(req.Kind.String(), string(pipeerr.CodePermissionDenied))
		return nil, err
	}
	if m.CheckPermission(req.Kind) == PermissionDenied {
		m.metrics.DeviceFailed(req.Kind.String(), string(pipeerr.CodePermissionDenied))
		return nil, fmt.Errorf("device: %s: %w", req.Kind, pipeerr.ErrPermissionDenied)
	}

	src, tracks, err := m.platform.Open(ctx, req)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		for _, t := range tracks {
			_ = t.Stop()
		}
		cerr := Classify(err)
		code := pipeerr.CodeOf(cerr)
		if code == pipeerr.CodePermissionDenied {
			m.mu.Lock()
			m.perms[req.Kind] = PermissionDenied
			m.mu.Unlock()
		}
		m.metrics.DeviceFailed(req.Kind.String(), string(code))
		logging.Warnw("device: acquire failed", "device.kind", req.Kind.String(), "code", code, "err", err)
		return nil, fmt.Errorf("device: %s: %w", req.Kind, cerr)
	}

	h := &Handle{id: uuid.NewString(), kind: req.Kind, src: src, tracks: tracks, mgr: m}
	m.mu.Lock()
	m.perms[req.Kind] = PermissionGranted
	m.open[h.id] = h
	m.mu.Unlock()
	m.metrics.DeviceAcquired(req.Kind.String())
	logging.Infow("device: acquired", DeviceFieldsOf(h)...)
	return h, nil
}

// Release is a nil-safe shorthand for h.Release.
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	return h.Release()
}

// ReleaseAll releases every open handle.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.open))
	for _, h := range m.open {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	var err error
	for _, h := range hs {
		err = multierr.Append(err, h.Release())
	}
	return err
}

// OpenHandles reports how many handles have not been released.
func (m *Manager) OpenHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	_, ok := m.open[h.id]
	delete(m.open, h.id)
	m.mu.Unlock()
	if ok {
		m.metrics.DeviceReleased()
	}
}
