package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	ws "github.com/gorilla/websocket"
)

// Conn is one established relay connection. Read and Write are called from
// different goroutines; Close unblocks both.
type Conn interface {
	// Read blocks until the next chunk of bytes arrives.
	Read() ([]byte, error)
	// Write sends one encoded frame.
	Write(data []byte) error
	Close() error
}

// Dialer opens relay connections.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// WebsocketDialer connects to a relay over WebSocket text frames.
type WebsocketDialer struct {
	Header       http.Header
	WriteTimeout time.Duration
}

// Dial performs the WebSocket handshake.
func (d WebsocketDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	conn, _, err := ws.DefaultDialer.DialContext(ctx, addr, d.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return &wsConn{conn: conn, writeWait: d.WriteTimeout}, nil
}

type wsConn struct {
	conn      *ws.Conn
	writeWait time.Duration
}

// Read returns one frame. A frame that does not end in a newline is
// terminated so frame boundaries are also line boundaries.
func (c *wsConn) Read() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if n := len(data); n > 0 && data[n-1] != '\n' {
		data = append(data, '\n')
	}
	return data, nil
}

func (c *wsConn) Write(data []byte) error {
	if c.writeWait > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(ws.TextMessage, data)
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(
		ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}

// TCPDialer connects to a relay speaking newline-delimited frames over a raw
// TCP stream.
type TCPDialer struct {
	WriteTimeout time.Duration
	ReadBuffer   int
}

// Dial opens the TCP connection.
func (d TCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial failed: %w", err)
	}
	size := d.ReadBuffer
	if size <= 0 {
		size = 4096
	}
	return &tcpConn{conn: conn, buf: make([]byte, size), writeWait: d.WriteTimeout}, nil
}

type tcpConn struct {
	conn      net.Conn
	buf       []byte
	writeWait time.Duration
}

func (c *tcpConn) Read() ([]byte, error) {
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, c.buf[:n])
		return chunk, nil
	}
	if err == nil {
		err = errors.New("empty read")
	}
	return nil, err
}

func (c *tcpConn) Write(data []byte) error {
	if c.writeWait > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}
