// Package socks4 implements the SOCKS4 and SOCKS4a client CONNECT
// handshake, generalized from the same small-function, explicit-byte-slice
// style used for this project's SOCKS5 client.
package socks4

import (
	"context"
	"fmt"

	"github.com/lqvpl/proxychain/pkg/addrkind"
	proxyerr "github.com/lqvpl/proxychain/pkg/errors"
	"github.com/lqvpl/proxychain/pkg/transport"
)

const (
	ver4       = 0x04
	cmdConnect = 0x01

	statusGranted        = 0x5A
	statusRejected       = 0x5B
	statusNoIdentd       = 0x5C
	statusIdentdRejected = 0x5D
)

// Result carries the bound address/port the server echoed in its reply.
type Result struct {
	BindAddress string
	BindPort    int
}

// Negotiate runs the SOCKS4/SOCKS4a CONNECT handshake. If host is a
// dotted-quad IPv4 literal, plain SOCKS4 is used. Otherwise SOCKS4a is used:
// DSTIP is set to 0.0.0.1 and host is appended, NUL-terminated, after the
// user-ID field. An IPv6 literal target is rejected outright since SOCKS4
// has no address form for it.
func Negotiate(ctx context.Context, stream transport.Stream, host string, port int, userID string) (Result, error) {
	kind := addrkind.Classify(host)
	if kind == addrkind.IPv6 {
		return Result{}, proxyerr.NewAddressUnsupportedError("connect", "SOCKS4 cannot carry an IPv6 target")
	}

	var dstip [4]byte
	useSocks4a := kind != addrkind.IPv4
	if useSocks4a {
		dstip = [4]byte{0, 0, 0, 1}
	} else {
		dstip = addrkind.ParseIPv4Octets(host)
	}

	req := make([]byte, 0, 9+len(userID)+len(host)+1)
	req = append(req, ver4, cmdConnect, byte(port>>8), byte(port))
	req = append(req, dstip[:]...)
	req = append(req, []byte(userID)...)
	req = append(req, 0x00)
	if useSocks4a {
		req = append(req, []byte(host)...)
		req = append(req, 0x00)
	}

	if err := stream.WriteAll(ctx, req); err != nil {
		return Result{}, err
	}

	reply, err := stream.ReadExact(ctx, 8)
	if err != nil {
		return Result{}, err
	}
	if reply[0] != 0x00 {
		return Result{}, proxyerr.NewProtocolError("connect_reply", fmt.Sprintf("unexpected leading byte 0x%02x", reply[0]), nil)
	}

	status := reply[1]
	if status != statusGranted {
		return Result{}, proxyerr.NewNegotiationRejectedError("connect_reply", int(status), statusToString(status))
	}

	bindPort := int(reply[2])<<8 | int(reply[3])
	bindAddr := fmt.Sprintf("%d.%d.%d.%d", reply[4], reply[5], reply[6], reply[7])
	return Result{BindAddress: bindAddr, BindPort: bindPort}, nil
}

func statusToString(status byte) string {
	switch status {
	case statusRejected:
		return "request rejected or failed"
	case statusNoIdentd:
		return "request rejected: client not running identd"
	case statusIdentdRejected:
		return "request rejected: identd could not confirm user-ID"
	default:
		return fmt.Sprintf("unknown reply code %d", status)
	}
}
