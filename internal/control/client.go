package control

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/multierr"

	"github.com/cue-voice-lab/internal/logging"
)

// ErrToolFailed wraps the text of a tool result flagged as an error.
var ErrToolFailed = errors.New("control: tool failed")

// Client connects to a control server and manages the session lifecycle.
type Client struct {
	client          *sdk.Client
	session         *sdk.ClientSession
	keepaliveCancel context.CancelFunc
	mu              sync.Mutex
}

func NewClient(name, version string) *Client {
	impl := &sdk.Implementation{Name: name, Version: version}
	return &Client{client: sdk.NewClient(impl, nil)}
}

// ConnectWebSocket dials rawurl, accepting http(s) schemes as aliases.
func (c *Client) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	sess, err := c.client.Connect(ctx, newWebSocketTransport(conn), nil)
	if err != nil {
		_ = conn.Close()
		return err
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
	}
	c.session = sess
	c.keepaliveCancel = cancel
	c.mu.Unlock()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				_ = sess.Ping(context.Background(), nil)
			}
		}
	}()
	logging.Debugw("control: connected", "url", u.String())
	return nil
}

func (c *Client) current() (*sdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, errors.New("control: not connected")
	}
	return c.session, nil
}

// Call runs a tool and returns the text of its result.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (string, error) {
	sess, err := c.current()
	if err != nil {
		return "", err
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("control: call %s: %w", tool, err)
	}
	var parts []string
	for _, content := range res.Content {
		if text, ok := content.(*sdk.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	out := strings.Join(parts, "\n")
	if res.IsError {
		return out, fmt.Errorf("%w: %s: %s", ErrToolFailed, tool, out)
	}
	return out, nil
}

// Tools lists the tool names the server offers.
func (c *Client) Tools(ctx context.Context) ([]string, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}
	res, err := sess.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(res.Tools))
	for _, t := range res.Tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
		c.keepaliveCancel = nil
	}
	if c.session != nil {
		err = multierr.Append(err, c.session.Close())
		c.session = nil
	}
	return err
}
