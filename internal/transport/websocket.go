package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atalii/ac-mon/internal/domain"
)

// WSConfig holds WebSocket dialer configuration.
type WSConfig struct {
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
}

// WSDialer dials gorilla/websocket connections.
type WSDialer struct {
	dialer *websocket.Dialer
	cfg    WSConfig
}

// NewWSDialer creates a new WebSocket dialer.
func NewWSDialer(cfg WSConfig) *WSDialer {
	return &WSDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  1024,
		},
		cfg: cfg,
	}
}

// Dial opens a channel. Failures wrap domain.ErrConnection.
func (d *WSDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (status %d)", domain.ErrConnection, endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrConnection, endpoint, err)
	}

	if d.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(d.cfg.MaxMessageSize)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadFrame(deadline time.Time) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrReadTimeout
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, fmt.Errorf("%w: channel closed by peer: %d %s", domain.ErrConnection, closeErr.Code, closeErr.Text)
		}
		return nil, fmt.Errorf("%w: read: %v", domain.ErrConnection, err)
	}
	return data, nil
}

func (c *wsConn) WriteFrame(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", domain.ErrConnection, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		// WriteControl may run concurrently with WriteMessage.
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
