// Package audio joins capture sources into one stream and encodes PCM into
// the container formats chunks are shipped in.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cue-voice-lab/internal/device"
	"github.com/cue-voice-lab/internal/logging"
)

var (
	ErrFormatMismatch = errors.New("audio: source format does not match graph format")
	ErrNoSources      = errors.New("audio: graph has no sources")
	ErrGraphStarted   = errors.New("audio: graph already started")
)

// maxPendingFrames bounds how far a secondary source may run ahead of the
// primary before its oldest audio is dropped.
const maxPendingFrames = 50

// Graph sums sources sample by sample into a single Sink. The first source
// connected is the primary and sets the pace: each Sink read takes one
// primary frame and adds whatever the other sources produced meanwhile,
// padding with silence when they lag.
type Graph struct {
	format device.Format

	mu      sync.Mutex
	nodes   []*node
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type node struct {
	label   string
	src     device.Source
	mu      sync.Mutex
	pending []int16
	limit   int
	done    bool
	err     error
}

func NewGraph(format device.Format) *Graph {
	return &Graph{format: format}
}

func (g *Graph) Format() device.Format { return g.format }

// Connect adds a source. Sources must already match the graph format.
func (g *Graph) Connect(label string, src device.Source) error {
	if src.Format() != g.format {
		return fmt.Errorf("%w: %s is %+v, graph is %+v", ErrFormatMismatch, label, src.Format(), g.format)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return ErrGraphStarted
	}
	g.nodes = append(g.nodes, &node{label: label, src: src})
	return nil
}

// Sources reports how many sources are connected.
func (g *Graph) Sources() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// Sink starts pumping the secondary sources and returns the joined stream.
// With a single source the source itself is returned.
func (g *Graph) Sink(ctx context.Context) (device.Source, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.nodes) == 0 {
		return nil, ErrNoSources
	}
	if g.started {
		return nil, ErrGraphStarted
	}
	g.started = true
	if len(g.nodes) == 1 {
		return g.nodes[0].src, nil
	}
	pctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	for _, n := range g.nodes[1:] {
		g.wg.Add(1)
		go g.pump(pctx, n)
	}
	return &sink{g: g, primary: g.nodes[0], rest: g.nodes[1:]}, nil
}

func (g *Graph) pump(ctx context.Context, n *node) {
	defer g.wg.Done()
	for {
		frame, err := n.src.Read(ctx)
		if err != nil {
			n.mu.Lock()
			n.done = true
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				n.err = err
			}
			n.mu.Unlock()
			if n.err != nil {
				logging.Warnw("audio: secondary source failed, continuing without it", "source", n.label, "err", err)
			}
			return
		}
		n.mu.Lock()
		if n.limit == 0 {
			n.limit = len(frame) * maxPendingFrames
		}
		n.pending = append(n.pending, frame...)
		if over := len(n.pending) - n.limit; n.limit > 0 && over > 0 {
			n.pending = append(n.pending[:0], n.pending[over:]...)
		}
		n.mu.Unlock()
	}
}

// Close stops the secondary pumps. It does not release the sources.
func (g *Graph) Close() {
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	g.wg.Wait()
}

type sink struct {
	g       *Graph
	primary *node
	rest    []*node
}

func (s *sink) Format() device.Format { return s.g.format }

func (s *sink) Read(ctx context.Context) ([]int16, error) {
	frame, err := s.primary.src.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]int16, len(frame))
	copy(out, frame)
	for _, n := range s.rest {
		n.mu.Lock()
		k := min(len(n.pending), len(out))
		Mix(out[:k], n.pending[:k])
		n.pending = n.pending[k:]
		n.mu.Unlock()
	}
	return out, nil
}

// Mix adds src into dst in place with saturation.
func Mix(dst, src []int16) {
	for i := range dst {
		if i >= len(src) {
			return
		}
		v := int32(dst[i]) + int32(src[i])
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		dst[i] = int16(v)
	}
}
