// Package client implements the application-side half of the pulse
// protocol: a reconnecting connection manager, a correlated-request
// dispatcher, the messaging pipeline with its offline queue, and thin
// controllers for calls and presence.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studyloop/pulse/pkg/wire"
)

// Transport is one live duplex connection to the relay. Implementations
// must allow one concurrent reader and any number of writers.
type Transport interface {
	ReadEnvelope() (*wire.Envelope, error)
	WriteEnvelope(env wire.Envelope) error
	Close() error
}

// Dialer opens transports. The client takes a Dialer rather than dialing
// websockets itself so tests and alternate stacks can substitute the
// wire.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials the relay's /ws endpoint with gorilla/websocket.
type WebsocketDialer struct {
	// HandshakeTimeout bounds the websocket upgrade. Zero means the
	// gorilla default.
	HandshakeTimeout time.Duration
	// Header is sent with the upgrade request.
	Header http.Header
	// WriteTimeout bounds each frame write on the resulting transport.
	WriteTimeout time.Duration
}

// Dial opens a websocket transport to url.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}, nil
}

// wsTransport adapts a gorilla websocket connection. Gorilla supports at
// most one concurrent writer, so writes serialize on a mutex.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func (t *wsTransport) ReadEnvelope() (*wire.Envelope, error) {
	_, raw, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return wire.Decode(raw)
}

func (t *wsTransport) WriteEnvelope(env wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
