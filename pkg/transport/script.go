package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	proxyerr "github.com/lqvpl/proxychain/pkg/errors"
)

// ScriptStream is the in-process test double called for by spec §6: a
// stream pre-loaded with the bytes a scripted server would reply with,
// recording every byte the client under test writes so a test can assert
// determinism (spec §8 property 3) without a real socket.
type ScriptStream struct {
	mu      sync.Mutex
	replies *bytes.Buffer
	written bytes.Buffer
	closed  bool
	stall   bool // if true, every read/write blocks until ctx is done
}

// NewScriptStream returns a ScriptStream that will hand back replyBytes to
// readers, in order, as if a server had sent them.
func NewScriptStream(replyBytes []byte) *ScriptStream {
	return &ScriptStream{replies: bytes.NewBuffer(append([]byte(nil), replyBytes...))}
}

// NewStallingScriptStream returns a ScriptStream whose every operation
// blocks until ctx is cancelled, for exercising per-step/total timeout
// paths (spec §8 S6).
func NewStallingScriptStream() *ScriptStream {
	return &ScriptStream{replies: &bytes.Buffer{}, stall: true}
}

// Written returns every byte written to the stream so far, for asserting
// against the literal expected bytes in the S1-S5 scenarios.
func (s *ScriptStream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written.Bytes()...)
}

func (s *ScriptStream) ReadExact(ctx context.Context, n int) ([]byte, error) {
	if s.stall {
		<-ctx.Done()
		return nil, proxyerr.NewTimeoutError(proxyerr.ScopeStep, "read_exact", 0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, proxyerr.NewIOError("read_exact", fmt.Errorf("stream closed"))
	}
	buf := make([]byte, n)
	got, err := s.replies.Read(buf)
	if err != nil || got < n {
		return nil, proxyerr.NewIOError("read_exact", fmt.Errorf("script exhausted: wanted %d bytes, got %d", n, got))
	}
	return buf, nil
}

func (s *ScriptStream) ReadUntilCRLF(ctx context.Context, maxBytes int) ([]byte, error) {
	if s.stall {
		<-ctx.Done()
		return nil, proxyerr.NewTimeoutError(proxyerr.ScopeStep, "read_until_crlf", 0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, proxyerr.NewIOError("read_until_crlf", fmt.Errorf("stream closed"))
	}
	var line []byte
	for {
		if len(line) > maxBytes {
			return nil, proxyerr.NewProtocolError("read_until_crlf", "line exceeded maximum length without CRLF", nil)
		}
		b, err := s.replies.ReadByte()
		if err != nil {
			return nil, proxyerr.NewIOError("read_until_crlf", fmt.Errorf("script exhausted before CRLF"))
		}
		line = append(line, b)
		if len(line) >= 2 && line[len(line)-2] == '\r' && line[len(line)-1] == '\n' {
			return line, nil
		}
	}
}

func (s *ScriptStream) WriteAll(ctx context.Context, b []byte) error {
	if s.stall {
		<-ctx.Done()
		return proxyerr.NewTimeoutError(proxyerr.ScopeStep, "write_all", 0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return proxyerr.NewIOError("write_all", fmt.Errorf("stream closed"))
	}
	s.written.Write(b)
	return nil
}

func (s *ScriptStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
