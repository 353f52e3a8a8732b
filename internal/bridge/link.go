package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cue-voice-lab/internal/logging"
)

const handshakeTimeout = 10 * time.Second

var ErrHandshake = errors.New("bridge: link handshake failed")

// Link joins two routers in different processes over one websocket. After
// the HELLO exchange each side routes the peer's contexts through the link.
type Link struct {
	conn   *websocket.Conn
	codec  Codec
	router *Router

	writeMu sync.Mutex
	remote  []Context

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to a peer serving Accept at url and announces local.
func Dial(ctx context.Context, url string, r *Router, local []Context, codec Codec) (*Link, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", url, err)
	}
	return start(ctx, conn, r, local, codec)
}

// Accept upgrades an HTTP request into a Link.
func Accept(w http.ResponseWriter, req *http.Request, r *Router, local []Context, codec Codec) (*Link, error) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: upgrade: %w", err)
	}
	return start(req.Context(), conn, r, local, codec)
}

func start(ctx context.Context, conn *websocket.Conn, r *Router, local []Context, codec Codec) (*Link, error) {
	l := &Link{conn: conn, codec: codec, router: r, done: make(chan struct{})}
	if err := l.handshake(ctx, local); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go l.readLoop()
	logging.Infow("bridge: link up", "codec", codec.Name(), "remote", l.remote)
	return l, nil
}

func (l *Link) handshake(ctx context.Context, local []Context) error {
	hello, err := NewMessage(TypeHello, "", "", Hello{Contexts: local, Codec: l.codec.Name()})
	if err != nil {
		return err
	}
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := l.Deliver(hctx, hello); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	dl, _ := hctx.Deadline()
	_ = l.conn.SetReadDeadline(dl)
	defer l.conn.SetReadDeadline(time.Time{})
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	var msg Message
	if err := l.codec.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if msg.Type != TypeHello {
		return fmt.Errorf("%w: first frame was %s", ErrHandshake, msg.Type)
	}
	var peer Hello
	if err := msg.Decode(&peer); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if peer.Codec != l.codec.Name() {
		return fmt.Errorf("%w: codec mismatch %q != %q", ErrHandshake, peer.Codec, l.codec.Name())
	}
	l.remote = peer.Contexts
	for _, c := range l.remote {
		l.router.Attach(c, l)
	}
	return nil
}

// Deliver writes msg to the peer.
func (l *Link) Deliver(ctx context.Context, msg *Message) error {
	data, err := l.codec.Marshal(msg)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(dl)
		defer l.conn.SetWriteDeadline(time.Time{})
	}
	return l.conn.WriteMessage(l.codec.FrameType(), data)
}

func (l *Link) readLoop() {
	defer l.Close()
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.setErr(err)
			return
		}
		var msg Message
		if err := l.codec.Unmarshal(data, &msg); err != nil {
			logging.Warnw("bridge: undecodable frame", "bytes", len(data), "err", err)
			continue
		}
		if l.isRemote(msg.Target) {
			// Never bounce a message back to the side it came from.
			logging.Warnw("bridge: dropping looped message", logging.MessageFields(msg.ID, string(msg.Type), string(msg.From), string(msg.Target))...)
			continue
		}
		if err := l.router.Send(context.Background(), &msg); err != nil {
			logging.Warnw("bridge: inbound route failed", "err", err)
		}
	}
}

func (l *Link) isRemote(c Context) bool {
	for _, r := range l.remote {
		if r == c {
			return true
		}
	}
	return false
}

func (l *Link) setErr(err error) {
	l.errMu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.errMu.Unlock()
}

// Err returns the error that ended the link, if any.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Remote lists the contexts the peer announced.
func (l *Link) Remote() []Context { return l.remote }

// Done is closed once the link is down.
func (l *Link) Done() <-chan struct{} { return l.done }

// Close detaches the peer's routes and closes the socket.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		for _, c := range l.remote {
			l.router.Detach(c, l)
		}
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = l.conn.Close()
		close(l.done)
		logging.Infow("bridge: link down", "remote", l.remote)
	})
	return err
}
