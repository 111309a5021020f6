// Command proxychain loads a chain descriptor file, builds a tunnel to a
// target host:port through it, and prints the connection report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lqvpl/proxychain/pkg/chain"
	"github.com/lqvpl/proxychain/pkg/chaincfg"
	"github.com/lqvpl/proxychain/pkg/constants"
	"github.com/lqvpl/proxychain/pkg/descriptor"
	"github.com/lqvpl/proxychain/pkg/transport"
)

func main() {
	chainPath := flag.String("chain", "", "path to a chain descriptor JSON file")
	target := flag.String("target", "", "target host:port to tunnel to")
	perStepMs := flag.Int64("per-step-timeout-ms", constants.DefaultPerStepTimeout.Milliseconds(), "per-hop negotiation timeout in milliseconds")
	totalMs := flag.Int64("total-timeout-ms", constants.DefaultTotalTimeout.Milliseconds(), "total chain build timeout in milliseconds")
	maxRetries := flag.Int("max-retries", constants.DefaultMaxRetries, "retries for opening the first hop")
	logging := flag.Bool("logging", false, "enable structured step logging")
	transportKind := flag.String("transport", "tcp", "stream backing for hop 1: tcp or ws")
	wsURLTemplate := flag.String("ws-url-template", "ws://%s:%d", "fmt template (host, port) used to build the dial URL when -transport=ws")
	flag.Parse()

	if *chainPath == "" || *target == "" {
		fmt.Fprintln(os.Stderr, "usage: proxychain -chain chain.json -target host:port")
		os.Exit(2)
	}

	host, portStr, err := splitHostPort(*target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -target: %v\n", err)
		os.Exit(2)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid -target port %q\n", portStr)
		os.Exit(2)
	}

	chainDesc, err := chaincfg.Load(*chainPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading chain descriptor: %v\n", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if *logging {
		logger, _ = zap.NewProduction()
		defer logger.Sync()
	}

	config := descriptor.EngineConfig{
		PerStepTimeout: time.Duration(*perStepMs) * time.Millisecond,
		TotalTimeout:   time.Duration(*totalMs) * time.Millisecond,
		MaxRetries:     *maxRetries,
		LoggingEnabled: *logging,
	}
	dialer, err := newDialer(*transportKind, *wsURLTemplate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -transport: %v\n", err)
		os.Exit(2)
	}
	engine := chain.New(config, dialer, logger)

	tunnel, report, err := engine.BuildChain(context.Background(), chainDesc, host, port)
	printReport(report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build_chain failed: %v\n", err)
		os.Exit(1)
	}
	defer tunnel.Close()
	fmt.Printf("tunnel established to %s:%d\n", report.TargetHost, report.TargetPort)
}

func splitHostPort(target string) (string, string, error) {
	for i := len(target) - 1; i >= 0; i-- {
		if target[i] == ':' {
			return target[:i], target[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("missing port in %q", target)
}

func printReport(report descriptor.ConnectionReport) {
	b, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(b))
}

// newDialer picks the hop-1 stream backing. "ws" is for callers that can't
// open a raw TCP socket (e.g. a browser-hosted frontend) and bridges through
// a WebSocket endpoint instead; the proxy protocol bytes ride inside binary
// frames unchanged, so every hop client downstream is none the wiser.
func newDialer(kind, urlTemplate string) (transport.Dialer, error) {
	switch kind {
	case "tcp":
		return transport.NewTCPDialer(), nil
	case "ws":
		return wsDialer{urlTemplate: urlTemplate}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want tcp or ws)", kind)
	}
}

// wsDialer adapts transport.DialWS to the transport.Dialer contract, turning
// the address/port the orchestrator wants to reach into a dial URL.
type wsDialer struct {
	urlTemplate string
}

func (d wsDialer) Open(ctx context.Context, address string, port int) (transport.Stream, error) {
	return transport.DialWS(ctx, fmt.Sprintf(d.urlTemplate, address, port))
}
