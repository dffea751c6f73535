// internal/conn/transport.go
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/Sorok-Dva/project42-sync/internal/syncerr"
)

// Transport is one established, bidirectional message stream.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a transport to a room. Implementations return errors that
// wrap syncerr.ErrAuth when the credential was refused and
// syncerr.ErrNetwork otherwise.
type Dialer interface {
	Dial(ctx context.Context, roomID, token string) (Transport, error)
}

// WSDialer dials the room server over WebSocket.
type WSDialer struct {
	// URL is the room endpoint, e.g. wss://play.example/ws/room. The room id
	// is appended as the "room" query parameter.
	URL string
	// HTTPClient is optional; it is used for the upgrade request.
	HTTPClient *http.Client
	// ReadLimit caps a single inbound message. Zero keeps the library default.
	ReadLimit int64
}

// Dial performs the upgrade. The credential travels as a bearer header and
// again in the hello message.
func (d *WSDialer) Dial(ctx context.Context, roomID, token string) (Transport, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse room url: %w", err)
	}
	q := u.Query()
	q.Set("room", roomID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	c, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial room %s: %w: %w", roomID, syncerr.ErrAuth, err)
		}
		return nil, fmt.Errorf("dial room %s: %w: %w", roomID, syncerr.ErrNetwork, err)
	}
	if c.Subprotocol() != Subprotocol {
		c.Close(StatusBadSubprotocol, "client requires the room subprotocol")
		return nil, fmt.Errorf("dial room %s: server did not accept subprotocol %q: %w", roomID, Subprotocol, syncerr.ErrNetwork)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsTransport{c: c}, nil
}

type wsTransport struct {
	c *websocket.Conn
}

// Read returns the next text message. Binary frames are skipped.
func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.c.Read(ctx)
		if err != nil {
			return nil, classifyReadError(err)
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	if err := t.c.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write: %w: %w", syncerr.ErrNetwork, err)
	}
	return nil
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.c.Close(code, reason)
}

func classifyReadError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("read: %w: %w", syncerr.ErrTimeout, err)
	}
	if authStatus(websocket.CloseStatus(err)) {
		return fmt.Errorf("read: %w: %w", syncerr.ErrAuth, err)
	}
	return fmt.Errorf("read: %w: %w", syncerr.ErrNetwork, err)
}
