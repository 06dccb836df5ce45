package xmppws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"omemod/internal/xmpp"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 20 * time.Second
	closeTimeout             = 5 * time.Second
)

// PersistentConn wraps a Conn with keep-alive pings and automatic
// reconnection.
type PersistentConn struct {
	mu      sync.Mutex
	conn    *Conn
	url     string
	domain  string
	headers http.Header
	closed  atomic.Bool

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration

	cancel context.CancelFunc // stops the keep-alive goroutine
}

// Option configures a PersistentConn.
type Option func(*PersistentConn)

// WithKeepAliveInterval sets the interval between keep-alive pings.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.keepAliveInterval = d }
}

// WithKeepAliveTimeout sets how long to wait for a pong before reconnecting.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.keepAliveTimeout = d }
}

// WithHeaders sets HTTP headers for the WebSocket upgrade request, e.g.
// deployment-specific authentication.
func WithHeaders(h http.Header) Option {
	return func(pc *PersistentConn) { pc.headers = h }
}

// DialPersistent dials and returns a PersistentConn with keep-alive running.
func DialPersistent(ctx context.Context, url, domain string, opts ...Option) (*PersistentConn, error) {
	pc := &PersistentConn{
		url:               url,
		domain:            domain,
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveTimeout:  defaultKeepAliveTimeout,
	}
	for _, o := range opts {
		o(pc)
	}

	conn, err := Dial(ctx, url, domain, pc.headers)
	if err != nil {
		return nil, err
	}
	pc.conn = conn

	kaCtx, kaCancel := context.WithCancel(context.Background())
	pc.cancel = kaCancel
	go pc.keepAliveLoop(kaCtx)

	return pc, nil
}

// ReadStanza reads the next stanza. On read error it reconnects and retries
// until the connection is closed for good.
func (pc *PersistentConn) ReadStanza(ctx context.Context) (*xmpp.Element, error) {
	for {
		pc.mu.Lock()
		conn := pc.conn
		pc.mu.Unlock()

		if conn == nil {
			if pc.closed.Load() {
				return nil, fmt.Errorf("xmppws: persistent conn closed")
			}
			if err := pc.reconnect(ctx); err != nil {
				return nil, err
			}
			continue
		}

		st, err := conn.ReadStanza(ctx)
		if err != nil {
			if pc.closed.Load() || ctx.Err() != nil {
				return nil, err
			}
			if reconnErr := pc.reconnect(ctx); reconnErr != nil {
				return nil, reconnErr
			}
			continue
		}
		return st, nil
	}
}

// WriteStanza writes to the current connection.
func (pc *PersistentConn) WriteStanza(ctx context.Context, st *xmpp.Element) error {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("xmppws: no active connection")
	}
	return conn.WriteStanza(ctx, st)
}

// Close stops keep-alive and closes the connection. No further reconnects.
func (pc *PersistentConn) Close() error {
	if pc.closed.Swap(true) {
		return nil
	}
	pc.cancel()
	pc.mu.Lock()
	conn := pc.conn
	pc.conn = nil
	pc.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (pc *PersistentConn) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(pc.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pc.closed.Load() {
				return
			}
			pc.mu.Lock()
			conn := pc.conn
			pc.mu.Unlock()
			if conn == nil {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, pc.keepAliveTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && !pc.closed.Load() {
				// Missed pong: force reconnect.
				_ = pc.reconnect(ctx)
			}
		}
	}
}

func (pc *PersistentConn) reconnect(ctx context.Context) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.closed.Load() {
		return fmt.Errorf("xmppws: persistent conn closed")
	}
	if pc.conn != nil {
		pc.conn.CloseNow()
		pc.conn = nil
	}
	conn, err := Dial(ctx, pc.url, pc.domain, pc.headers)
	if err != nil {
		return fmt.Errorf("xmppws: reconnect: %w", err)
	}
	pc.conn = conn
	return nil
}
