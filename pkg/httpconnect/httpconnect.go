// Package httpconnect implements the HTTP/1.1 CONNECT client handshake,
// grounded on the status-line/header-loop parsing shape of this project's
// teacher HTTP client, trimmed to exactly what a CONNECT negotiation needs:
// no chunked bodies, no HTTP/2, no TLS.
package httpconnect

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/lqvpl/proxychain/pkg/constants"
	proxyerr "github.com/lqvpl/proxychain/pkg/errors"
	"github.com/lqvpl/proxychain/pkg/transport"
)

// Result is empty: HTTP CONNECT has no bound-address echo analogous to
// SOCKS. Its presence keeps the three negotiators' signatures symmetric.
type Result struct{}

// Negotiate sends one CONNECT request for host:port and parses the
// response. username/password are empty when the hop carries no
// credentials; password defaults to empty per spec §4.4.
func Negotiate(ctx context.Context, stream transport.Stream, host string, port int, username, password string) (Result, error) {
	target := net.JoinHostPort(host, strconv.Itoa(port))

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&b, "Host: %s\r\n", target)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", constants.DefaultUserAgent)
	fmt.Fprintf(&b, "Proxy-Connection: Keep-Alive\r\n")
	fmt.Fprintf(&b, "Connection: Keep-Alive\r\n")
	if username != "" || password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", token)
	}
	b.WriteString("\r\n")

	if err := stream.WriteAll(ctx, []byte(b.String())); err != nil {
		return Result{}, err
	}

	status, err := readStatusLine(ctx, stream)
	if err != nil {
		return Result{}, err
	}
	if err := readHeadersUntilBlank(ctx, stream); err != nil {
		return Result{}, err
	}
	if status == 200 {
		return Result{}, nil
	}
	return Result{}, mapStatus(status)
}

func readStatusLine(ctx context.Context, stream transport.Stream) (int, error) {
	line, err := stream.ReadUntilCRLF(ctx, constants.MaxStatusLineLength)
	if err != nil {
		return 0, err
	}
	s := strings.TrimRight(string(line), "\r\n")
	fields := strings.SplitN(s, " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/1.") {
		return 0, proxyerr.NewProtocolError("status_line", fmt.Sprintf("malformed status line %q", s), nil)
	}
	proto := fields[0]
	if proto != "HTTP/1.0" && proto != "HTTP/1.1" {
		return 0, proxyerr.NewProtocolError("status_line", fmt.Sprintf("malformed status line %q", s), nil)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || len(fields[1]) != 3 {
		return 0, proxyerr.NewProtocolError("status_line", fmt.Sprintf("malformed status line %q", s), nil)
	}
	return code, nil
}

func readHeadersUntilBlank(ctx context.Context, stream transport.Stream) error {
	for i := 0; i < constants.MaxHeaderBlockLines; i++ {
		line, err := stream.ReadUntilCRLF(ctx, constants.MaxStatusLineLength)
		if err != nil {
			return err
		}
		if string(line) == "\r\n" {
			return nil
		}
	}
	return proxyerr.NewProtocolError("headers", "too many header lines before terminator", nil)
}

func mapStatus(code int) error {
	switch code {
	case 401, 407:
		return proxyerr.NewAuthFailedError("connect")
	}
	human := map[int]string{
		403: "forbidden",
		404: "host not found",
		405: "method not allowed",
		408: "timeout",
		504: "timeout",
		502: "bad gateway",
		503: "unavailable",
		500: "proxy internal error",
	}[code]
	if human == "" {
		human = fmt.Sprintf("http error %d", code)
	}
	return proxyerr.NewNegotiationRejectedError("connect", code, human)
}
