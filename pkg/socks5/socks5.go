// Package socks5 implements the SOCKS5 client handshake: RFC 1928 greeting
// and CONNECT, plus RFC 1929 username/password sub-negotiation. Grounded on
// the greeting/auth/CONNECT/reply structure of a hand-rolled SOCKS5 probe
// client in the retrieval pack, generalized from a one-shot probe into a
// reusable negotiator over the project's abstract Stream.
package socks5

import (
	"context"
	"fmt"

	"golang.org/x/net/idna"

	"github.com/lqvpl/proxychain/pkg/addrkind"
	"github.com/lqvpl/proxychain/pkg/constants"
	proxyerr "github.com/lqvpl/proxychain/pkg/errors"
	"github.com/lqvpl/proxychain/pkg/transport"
)

const (
	ver5               = 0x05
	methodNoAuth       = 0x00
	methodUserPass     = 0x02
	methodNoAcceptable = 0xFF

	authVer = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	cmdConnect = 0x01
)

// Result carries the bound address echoed by the server after a successful
// CONNECT, per spec §4.2 ("the client does not validate the semantic
// contents of the bound address; it only consumes the correct number of
// bytes").
type Result struct {
	BindAddress string
	BindPort    int
}

// Negotiate runs the full SOCKS5 handshake over stream, asking the hop to
// CONNECT to host:port. username/password are empty strings when the hop
// descriptor carries no credentials.
func Negotiate(ctx context.Context, stream transport.Stream, host string, port int, username, password string) (Result, error) {
	if err := greeting(ctx, stream, username, password); err != nil {
		return Result{}, err
	}
	addrBytes, atyp, err := encodeAddress(host)
	if err != nil {
		return Result{}, err
	}
	req := make([]byte, 0, 6+len(addrBytes))
	req = append(req, ver5, cmdConnect, 0x00, atyp)
	req = append(req, addrBytes...)
	req = append(req, byte(port>>8), byte(port))
	if err := stream.WriteAll(ctx, req); err != nil {
		return Result{}, err
	}
	return readConnectReply(ctx, stream)
}

// greeting sends the method-offer message and runs RFC 1929 sub-negotiation
// if the server selects it.
func greeting(ctx context.Context, stream transport.Stream, username, password string) error {
	hasCreds := username != "" || password != ""
	methods := []byte{methodNoAuth}
	if hasCreds {
		methods = append(methods, methodUserPass)
	}
	msg := append([]byte{ver5, byte(len(methods))}, methods...)
	if err := stream.WriteAll(ctx, msg); err != nil {
		return err
	}

	reply, err := stream.ReadExact(ctx, 2)
	if err != nil {
		return err
	}
	if reply[0] != ver5 {
		return proxyerr.NewProtocolError("greeting", fmt.Sprintf("unexpected version byte 0x%02x", reply[0]), nil)
	}
	switch reply[1] {
	case methodNoAuth:
		return nil
	case methodUserPass:
		if !hasCreds {
			return proxyerr.NewAuthRequiredError("greeting")
		}
		return userPassAuth(ctx, stream, username, password)
	case methodNoAcceptable:
		return proxyerr.NewNoAcceptableMethodsError()
	default:
		return proxyerr.NewUnexpectedAuthMethodError(reply[1])
	}
}

func userPassAuth(ctx context.Context, stream transport.Stream, username, password string) error {
	u, p := []byte(username), []byte(password)
	if len(u) == 0 || len(u) > 255 || len(p) == 0 || len(p) > 255 {
		return proxyerr.NewConfigError("SOCKS5 username/password must each be 1..255 bytes")
	}
	msg := make([]byte, 0, 3+len(u)+len(p))
	msg = append(msg, authVer, byte(len(u)))
	msg = append(msg, u...)
	msg = append(msg, byte(len(p)))
	msg = append(msg, p...)
	if err := stream.WriteAll(ctx, msg); err != nil {
		return err
	}
	reply, err := stream.ReadExact(ctx, 2)
	if err != nil {
		return err
	}
	if reply[0] != authVer {
		return proxyerr.NewProtocolError("auth", fmt.Sprintf("unexpected auth version byte 0x%02x", reply[0]), nil)
	}
	if reply[1] != 0x00 {
		return proxyerr.NewAuthFailedError("auth")
	}
	return nil
}

// encodeAddress returns the ATYP byte and its address-field bytes (not
// including the trailing port). Domain names pass through idna.ToASCII so a
// non-ASCII hostname is punycode-encoded before length-prefixing; this
// keeps the written bytes a pure function of the input, independent of
// wall-clock time or retry count.
func encodeAddress(host string) ([]byte, byte, error) {
	switch addrkind.Classify(host) {
	case addrkind.IPv4:
		octets := addrkind.ParseIPv4Octets(host)
		return octets[:], atypIPv4, nil
	case addrkind.IPv6:
		groups, ok := addrkind.ParseIPv6Groups(host)
		if !ok {
			return nil, 0, proxyerr.NewProtocolError("connect", "malformed IPv6 literal", nil)
		}
		return groups[:], atypIPv6, nil
	default:
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			ascii = host
		}
		if len(ascii) == 0 || len(ascii) > constants.MaxDomainNameLength {
			return nil, 0, proxyerr.NewProtocolError("connect", "domain name length out of range 1..255", nil)
		}
		out := make([]byte, 0, 1+len(ascii))
		out = append(out, byte(len(ascii)))
		out = append(out, []byte(ascii)...)
		return out, atypDomain, nil
	}
}

func readConnectReply(ctx context.Context, stream transport.Stream) (Result, error) {
	header, err := stream.ReadExact(ctx, 4)
	if err != nil {
		return Result{}, err
	}
	if header[0] != ver5 {
		return Result{}, proxyerr.NewProtocolError("connect_reply", fmt.Sprintf("unexpected version byte 0x%02x", header[0]), nil)
	}
	if header[2] != 0x00 {
		return Result{}, proxyerr.NewProtocolError("connect_reply", "reserved byte must be zero", nil)
	}
	rep := header[1]
	if rep != 0x00 {
		return Result{}, proxyerr.NewNegotiationRejectedError("connect_reply", int(rep), repToString(rep))
	}

	atyp := header[3]
	var addrLen int
	switch atyp {
	case atypIPv4:
		addrLen = 4
	case atypIPv6:
		addrLen = 16
	case atypDomain:
		lenByte, err := stream.ReadExact(ctx, 1)
		if err != nil {
			return Result{}, err
		}
		addrLen = int(lenByte[0])
	default:
		return Result{}, proxyerr.NewProtocolError("connect_reply", fmt.Sprintf("unknown ATYP 0x%02x in bind address", atyp), nil)
	}

	bindAddr, err := stream.ReadExact(ctx, addrLen)
	if err != nil {
		return Result{}, err
	}
	portBytes, err := stream.ReadExact(ctx, 2)
	if err != nil {
		return Result{}, err
	}
	port := int(portBytes[0])<<8 | int(portBytes[1])

	return Result{BindAddress: formatBindAddress(atyp, bindAddr), BindPort: port}, nil
}

func formatBindAddress(atyp byte, b []byte) string {
	switch atyp {
	case atypIPv4:
		return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	case atypDomain:
		return string(b)
	default:
		return fmt.Sprintf("%x", b)
	}
}

// repToString maps an RFC 1928 §6 reply code to a human-readable reason.
func repToString(rep byte) string {
	switch rep {
	case 0x01:
		return "general SOCKS server failure"
	case 0x02:
		return "connection not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return fmt.Sprintf("unknown reply code %d", rep)
	}
}
