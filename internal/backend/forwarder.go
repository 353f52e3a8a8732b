package backend

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/metrics"
)

// DefaultMaxGap is how many chunks may wait behind a missing sequence before
// the forwarder gives up on it.
const DefaultMaxGap = 32

type ForwarderOptions struct {
	Metrics  *metrics.Metrics
	MaxGap   int
	QueueLen int
	// OnResult is called for every non-empty result, in sequence order.
	OnResult func(req ChunkRequest, res Result)
}

// Forwarder hands chunks to a Sink in sequence order. Chunks may arrive out
// of order; each session's sequence restarts at 0.
type Forwarder struct {
	sink Sink
	opts ForwarderOptions

	mu      sync.Mutex
	session string
	next    int
	pending map[int]ChunkRequest

	queue chan ChunkRequest
}

func NewForwarder(sink Sink, opts ForwarderOptions) *Forwarder {
	if opts.MaxGap <= 0 {
		opts.MaxGap = DefaultMaxGap
	}
	if opts.QueueLen <= 0 {
		opts.QueueLen = 256
	}
	return &Forwarder{
		sink:    sink,
		opts:    opts,
		pending: make(map[int]ChunkRequest),
		queue:   make(chan ChunkRequest, opts.QueueLen),
	}
}

// Push accepts one chunk. Duplicates and chunks of an earlier session are
// dropped.
func (f *Forwarder) Push(req ChunkRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.SessionID != f.session {
		if len(f.pending) > 0 {
			logging.Warnw("backend: abandoning chunks of previous session", "session.id", f.session, "pending", len(f.pending))
		}
		f.session = req.SessionID
		f.next = 0
		f.pending = make(map[int]ChunkRequest)
	}
	if req.Sequence < f.next {
		logging.Debugw("backend: duplicate chunk dropped", logging.ChunkFields(req.SessionID, req.Sequence, len(req.AudioBase64))...)
		return
	}
	f.pending[req.Sequence] = req
	f.releaseLocked()
	if len(f.pending) > f.opts.MaxGap {
		seqs := make([]int, 0, len(f.pending))
		for s := range f.pending {
			seqs = append(seqs, s)
		}
		sort.Ints(seqs)
		logging.Warnw("backend: skipping missing chunks", "session.id", f.session, "from", f.next, "to", seqs[0]-1)
		f.next = seqs[0]
		f.releaseLocked()
	}
}

func (f *Forwarder) releaseLocked() {
	for {
		req, ok := f.pending[f.next]
		if !ok {
			return
		}
		delete(f.pending, f.next)
		f.next++
		f.queue <- req
	}
}

// Pending is the number of chunks waiting for an earlier sequence.
func (f *Forwarder) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Run sends queued chunks until ctx is done, then closes the sink.
func (f *Forwarder) Run(ctx context.Context) error {
	defer f.sink.Close()
	for {
		select {
		case req := <-f.queue:
			f.send(ctx, req)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *Forwarder) send(ctx context.Context, req ChunkRequest) {
	start := time.Now()
	res, err := f.sink.Send(ctx, req)
	elapsed := time.Since(start).Seconds()
	fields := logging.ChunkFields(req.SessionID, req.Sequence, len(req.AudioBase64))
	if err != nil {
		f.opts.Metrics.ChunkForwarded("error", elapsed)
		logging.Warnw("backend: chunk forward failed", append(fields, "err", err)...)
		return
	}
	f.opts.Metrics.ChunkForwarded("ok", elapsed)
	logging.Debugw("backend: chunk forwarded", append(fields, "result", res.Type)...)
	if !res.Empty() && f.opts.OnResult != nil {
		f.opts.OnResult(req, res)
	}
}
