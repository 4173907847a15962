package ws

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/jilio/statesync"
)

// Client is a replica's websocket link to the primary. It implements
// statesync.Upstream.
type Client struct {
	*socket
	baseURL    *url.URL
	clientID   string
	httpClient *http.Client
	messages   chan *statesync.Message
}

var _ statesync.Upstream = (*Client)(nil)

// Dial connects to the primary served at rawURL (an http or https base URL)
// on behalf of the window ownerID.
func Dial(ctx context.Context, rawURL, ownerID string, settings *Settings) (*Client, error) {
	return DialClient(ctx, rawURL, ownerID, statesync.WindowClientID(ownerID), settings)
}

// DialClient is Dial with an explicit client id.
func DialClient(ctx context.Context, rawURL, ownerID, clientID string, settings *Settings) (*Client, error) {
	if settings == nil {
		settings = DefaultSettings()
	}
	base, err := url.Parse(strings.TrimSuffix(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ws: parse url: %w", err)
	}

	syncURL := *base
	switch base.Scheme {
	case "http":
		syncURL.Scheme = "ws"
	case "https":
		syncURL.Scheme = "wss"
	default:
		return nil, fmt.Errorf("ws: unsupported scheme %q", base.Scheme)
	}
	syncURL.Path = base.Path + SyncPath
	syncURL.RawQuery = url.Values{OwnerParam: {ownerID}}.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, syncURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", syncURL.Redacted(), err)
	}

	c := &Client{
		// the connection outlives the dial context
		socket:     newSocket(context.Background(), ws, settings, clientID),
		baseURL:    base,
		clientID:   clientID,
		httpClient: &http.Client{Timeout: settings.ReadTimeout},
		messages:   make(chan *statesync.Message, settings.EventBufferSize),
	}
	go c.writePump()
	go func() {
		defer close(c.messages)
		c.readPump(func(msg *statesync.Message) bool {
			select {
			case c.messages <- msg:
				return true
			case <-c.ctx.Done():
				return false
			}
		})
	}()
	return c, nil
}

// ClientID implements statesync.Upstream.
func (c *Client) ClientID() string { return c.clientID }

// FetchState implements statesync.Upstream. It returns "" when the primary
// has not published any state yet.
func (c *Client) FetchState(ctx context.Context) (string, error) {
	stateURL := *c.baseURL
	stateURL.Path = c.baseURL.Path + StatePath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stateURL.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ws: fetch state: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable, http.StatusNotFound:
		return "", nil
	default:
		return "", fmt.Errorf("ws: fetch state: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ws: fetch state: %w", err)
	}
	return string(body), nil
}

// Send implements statesync.Upstream.
func (c *Client) Send(ctx context.Context, msg *statesync.Message) error {
	return c.enqueue(ctx, msg)
}

// Messages returns the broadcasts received from the primary. The channel is
// closed when the connection ends.
func (c *Client) Messages() <-chan *statesync.Message {
	return c.messages
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Serve applies broadcasts to r until ctx is done or the connection ends,
// in which case it returns statesync.ErrConnClosed. Failed applications are
// logged. r must not be used from other goroutines meanwhile.
func (c *Client) Serve(ctx context.Context, r *statesync.Replica) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.messages:
			if !ok {
				return statesync.ErrConnClosed
			}
			if err := r.HandleMessage(ctx, msg); err != nil {
				glog.Infof("[ws]%s apply error = %s\n", c.clientID, err)
			}
		}
	}
}

// Close drops the connection.
func (c *Client) Close() {
	c.cancel()
}
