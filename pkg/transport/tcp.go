package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	proxyerr "github.com/lqvpl/proxychain/pkg/errors"
)

var timeZero = time.Time{}

// TCPStream is the native-TCP Stream backing, grounded on the dial pattern
// every hop connector in the teacher repo shares: a net.Dialer carrying the
// connect timeout, dialed with DialContext so cancellation propagates.
type TCPStream struct {
	conn net.Conn
	r    *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

// NewTCPDialer returns a Dialer backed by plain net.Dialer{}; the connect
// deadline comes from ctx, set by the orchestrator per the per-step/total
// deadline race.
func NewTCPDialer() Dialer {
	return tcpDialer{}
}

type tcpDialer struct{}

func (tcpDialer) Open(ctx context.Context, address string, port int) (Stream, error) {
	addr := net.JoinHostPort(address, fmt.Sprintf("%d", port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, proxyerr.NewConnectError(addr, err)
	}
	return &TCPStream{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (s *TCPStream) deadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(dl)
	} else {
		s.conn.SetDeadline(timeZero)
	}
}

func (s *TCPStream) ReadExact(ctx context.Context, n int) ([]byte, error) {
	s.deadline(ctx)
	buf := make([]byte, n)
	if _, err := readFull(s.r, buf); err != nil {
		return nil, classifyNetErr("read_exact", err)
	}
	return buf, nil
}

func (s *TCPStream) ReadUntilCRLF(ctx context.Context, maxBytes int) ([]byte, error) {
	s.deadline(ctx)
	var line []byte
	for {
		if len(line) > maxBytes {
			return nil, proxyerr.NewProtocolError("read_until_crlf", "line exceeded maximum length without CRLF", nil)
		}
		b, err := s.r.ReadByte()
		if err != nil {
			return nil, classifyNetErr("read_until_crlf", err)
		}
		line = append(line, b)
		if len(line) >= 2 && line[len(line)-2] == '\r' && line[len(line)-1] == '\n' {
			return line, nil
		}
	}
}

func (s *TCPStream) WriteAll(ctx context.Context, b []byte) error {
	s.deadline(ctx)
	if _, err := s.conn.Write(b); err != nil {
		return classifyNetErr("write_all", err)
	}
	return nil
}

// classifyNetErr reports a deadline-exceeded read/write as a Timeout error
// (spec §7 "Timeout{scope: step|total}") instead of a generic IOError. The
// stream itself cannot tell a per-step deadline from a propagated total
// deadline, so it reports ScopeStep; the orchestrator (pkg/chain) re-tags it
// ScopeTotal when it observes the total deadline is what actually fired.
func classifyNetErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return proxyerr.NewTimeoutError(proxyerr.ScopeStep, op, 0)
	}
	return proxyerr.NewIOError(op, err)
}

// Close is idempotent: a second call returns the same nil/error result as
// the first instead of net.Conn's "use of closed network connection".
func (s *TCPStream) Close() error {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			s.closeErr = s.conn.Close()
		}
	})
	return s.closeErr
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
