package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	proxyerr "github.com/lqvpl/proxychain/pkg/errors"
)

// WSStream adapts a gorilla/websocket connection to the Stream contract.
// It is a development aid only (spec §6): a WebSocket endpoint forwarding
// binary frames to an arbitrary TCP server is not something this package
// provides, so WSStream is only as useful as whatever bridge the caller
// dials into. It exists so a browser-hosted caller without raw TCP access
// can still drive the same protocol clients.
type WSStream struct {
	conn *websocket.Conn

	mu  sync.Mutex
	buf bytes.Buffer

	closeOnce sync.Once
	closeErr  error
}

// NewWSStream wraps an already-dialed websocket connection.
func NewWSStream(conn *websocket.Conn) *WSStream {
	return &WSStream{conn: conn}
}

// DialWS opens a WebSocket connection to url and wraps it as a Stream. The
// address/port the hop clients negotiate against travel inside the
// tunneled protocol bytes, not in this URL — dialing only establishes the
// bridge itself.
func DialWS(ctx context.Context, url string) (*WSStream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, proxyerr.NewConnectError(url, err)
	}
	return NewWSStream(conn), nil
}

func (s *WSStream) fill(n int) error {
	for s.buf.Len() < n {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return proxyerr.NewIOError("read", err)
		}
		s.buf.Write(data)
	}
	return nil
}

func (s *WSStream) ReadExact(ctx context.Context, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fill(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := s.buf.Read(out); err != nil {
		return nil, proxyerr.NewIOError("read_exact", err)
	}
	return out, nil
}

func (s *WSStream) ReadUntilCRLF(ctx context.Context, maxBytes int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		b := s.buf.Bytes()
		if idx := bytes.Index(b, []byte("\r\n")); idx >= 0 {
			out := make([]byte, idx+2)
			s.buf.Read(out)
			return out, nil
		}
		if s.buf.Len() > maxBytes {
			return nil, proxyerr.NewProtocolError("read_until_crlf", "line exceeded maximum length without CRLF", nil)
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, proxyerr.NewIOError("read_until_crlf", err)
		}
		s.buf.Write(data)
	}
}

func (s *WSStream) WriteAll(ctx context.Context, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return proxyerr.NewIOError("write_all", fmt.Errorf("websocket write: %w", err))
	}
	return nil
}

func (s *WSStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
