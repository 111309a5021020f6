package chain

import (
	"context"
	"encoding/hex"
	goerrors "errors"
	"testing"
	"time"

	"github.com/lqvpl/proxychain/pkg/descriptor"
	proxyerr "github.com/lqvpl/proxychain/pkg/errors"
	"github.com/lqvpl/proxychain/pkg/proxykind"
	"github.com/lqvpl/proxychain/pkg/transport"
)

func hx(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

// fixedStreamDialer always hands back the same pre-scripted stream,
// regardless of address/port, so a test can script one multi-hop
// conversation on the single reused connection spec §3 describes.
type fixedStreamDialer struct {
	stream transport.Stream
	opened int
}

func (d *fixedStreamDialer) Open(ctx context.Context, address string, port int) (transport.Stream, error) {
	d.opened++
	return d.stream, nil
}

func testConfig() descriptor.EngineConfig {
	return descriptor.EngineConfig{
		PerStepTimeout: time.Second,
		TotalTimeout:   5 * time.Second,
		MaxRetries:     1,
		LoggingEnabled: false,
	}
}

// TestBuildChainThreeHop is scenario S5: a three-hop heterogeneous chain
// (SOCKS5 with auth, SOCKS4, HTTP) to a target.
func TestBuildChainThreeHop(t *testing.T) {
	var reply []byte
	reply = append(reply, hx(t, "0502")...)                   // SOCKS5 greeting: user/pass selected
	reply = append(reply, hx(t, "0100")...)                   // SOCKS5 auth: success
	reply = append(reply, hx(t, "05000001000000000000")...)   // SOCKS5 connect reply
	reply = append(reply, hx(t, "005a000000000000")...)       // SOCKS4 connect reply
	reply = append(reply, []byte("HTTP/1.1 200 OK\r\n\r\n")...) // HTTP CONNECT reply

	stream := transport.NewScriptStream(reply)
	dialer := &fixedStreamDialer{stream: stream}

	chainDesc := descriptor.Chain{
		ID:   "c1",
		Name: "three-hop",
		Proxies: []descriptor.Proxy{
			{Address: "hop1", Port: 1080, Kind: proxykind.SOCKS5, Username: "u", Password: "p"},
			{Address: "hop2", Port: 1080, Kind: proxykind.SOCKS4},
			{Address: "hop3", Port: 3128, Kind: proxykind.HTTP},
		},
	}

	engine := New(testConfig(), dialer, nil)
	tunnel, report, err := engine.BuildChain(context.Background(), chainDesc, "target.example", 443)
	if err != nil {
		t.Fatalf("BuildChain failed: %v", err)
	}
	if tunnel == nil {
		t.Fatal("expected a live tunnel")
	}
	if len(report.Steps) != 4 {
		t.Fatalf("expected 4 step records (1 direct_open + 3 hops), got %d", len(report.Steps))
	}
	wantKinds := []descriptor.StepKind{
		descriptor.StepDirectOpen,
		descriptor.StepProxyToProxy,
		descriptor.StepProxyToProxy,
		descriptor.StepProxyToTarget,
	}
	for i, step := range report.Steps {
		if step.Index != i+1 {
			t.Errorf("step %d has Index %d", i, step.Index)
		}
		if step.Kind != wantKinds[i] {
			t.Errorf("step %d kind = %s, want %s", i, step.Kind, wantKinds[i])
		}
		if step.Outcome != "ok" {
			t.Errorf("step %d outcome = %s, want ok", i, step.Outcome)
		}
	}

	if report.BindAddress != "" {
		t.Errorf("last hop was HTTP CONNECT, expected no bind-address echo, got %q", report.BindAddress)
	}

	if engine.Stats().LiveTunnelCount != 1 {
		t.Errorf("expected 1 live tunnel after success, got %d", engine.Stats().LiveTunnelCount)
	}
	closed := engine.CloseAll()
	if closed != 1 {
		t.Errorf("CloseAll closed %d, want 1", closed)
	}
	if engine.Stats().LiveTunnelCount != 0 {
		t.Errorf("expected 0 live tunnels after CloseAll")
	}
}

// TestBuildChainSingleSocks5 is scenario S1: a single SOCKS5 no-auth hop to
// an IPv4 target, asserting the bound address/port echo lands on the report.
func TestBuildChainSingleSocks5(t *testing.T) {
	var reply []byte
	reply = append(reply, hx(t, "0500")...)                     // greeting: no-auth selected
	reply = append(reply, hx(t, "050000010909090901bb")...)     // connect reply: ATYP=1, bind 9.9.9.9:443
	stream := transport.NewScriptStream(reply)
	dialer := &fixedStreamDialer{stream: stream}

	chainDesc := descriptor.Chain{
		ID: "c-s1",
		Proxies: []descriptor.Proxy{
			{Address: "127.0.0.1", Port: 1080, Kind: proxykind.SOCKS5},
		},
	}

	engine := New(testConfig(), dialer, nil)
	tunnel, report, err := engine.BuildChain(context.Background(), chainDesc, "1.2.3.4", 443)
	if err != nil {
		t.Fatalf("BuildChain failed: %v", err)
	}
	if tunnel == nil {
		t.Fatal("expected a live tunnel")
	}
	if report.BindAddress != "9.9.9.9" || report.BindPort != 443 {
		t.Errorf("BindAddress/BindPort = %s:%d, want 9.9.9.9:443", report.BindAddress, report.BindPort)
	}
}

// TestBuildChainFailureClosesTransport verifies property 2: on any failure
// the engine holds zero sockets relating to that attempt.
func TestBuildChainFailureClosesTransport(t *testing.T) {
	// Greeting ok, then CONNECT rejected (REP=0x05 connection refused).
	reply := append(hx(t, "0500"), hx(t, "05050000")...)
	stream := transport.NewScriptStream(reply)
	dialer := &fixedStreamDialer{stream: stream}

	chainDesc := descriptor.Chain{
		ID: "c2",
		Proxies: []descriptor.Proxy{
			{Address: "hop1", Port: 1080, Kind: proxykind.SOCKS5},
		},
	}

	engine := New(testConfig(), dialer, nil)
	tunnel, report, err := engine.BuildChain(context.Background(), chainDesc, "target.example", 443)
	if err == nil {
		t.Fatal("expected BuildChain to fail")
	}
	if tunnel != nil {
		t.Error("expected no tunnel on failure")
	}
	if report.FailedStep != 2 {
		t.Errorf("FailedStep = %d, want 2", report.FailedStep)
	}
	if engine.Stats().LiveTunnelCount != 0 {
		t.Error("failed build must not leave a tracked tunnel")
	}
	if err := stream.WriteAll(context.Background(), []byte{0x00}); err == nil {
		t.Error("expected the transport to be closed after a failed build")
	}
}

// TestBuildChainTotalTimeout is scenario S6: a scripted server that stalls
// past the total timeout yields Timeout{scope=total} with no tunnel.
func TestBuildChainTotalTimeout(t *testing.T) {
	stream := transport.NewStallingScriptStream()
	dialer := &fixedStreamDialer{stream: stream}

	chainDesc := descriptor.Chain{
		ID: "c3",
		Proxies: []descriptor.Proxy{
			{Address: "hop1", Port: 1080, Kind: proxykind.SOCKS5},
		},
	}

	config := descriptor.EngineConfig{
		PerStepTimeout: 5 * time.Second,
		TotalTimeout:   50 * time.Millisecond,
		MaxRetries:     0,
	}
	engine := New(config, dialer, nil)
	tunnel, report, err := engine.BuildChain(context.Background(), chainDesc, "target.example", 443)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if tunnel != nil {
		t.Error("expected no tunnel on timeout")
	}
	if !proxyerr.IsTimeout(err) {
		t.Errorf("expected IsTimeout(err), got %v", err)
	}
	var perr *proxyerr.Error
	if !goerrors.As(err, &perr) {
		t.Fatalf("expected a *proxyerr.Error, got %T", err)
	}
	if perr.Scope != proxyerr.ScopeTotal {
		t.Errorf("Scope = %q, want %q (the total deadline is what fired, not the 5s per-step bound)", perr.Scope, proxyerr.ScopeTotal)
	}
	if report.FailedStep == 0 {
		t.Error("expected a non-zero FailedStep")
	}
}

// TestBuildChainStepTimeout is the mirror of TestBuildChainTotalTimeout: the
// per-step bound is the one that is tight, so the total budget is nowhere
// near expiring when the error surfaces, and Scope must stay ScopeStep.
func TestBuildChainStepTimeout(t *testing.T) {
	stream := transport.NewStallingScriptStream()
	dialer := &fixedStreamDialer{stream: stream}

	chainDesc := descriptor.Chain{
		ID: "c4",
		Proxies: []descriptor.Proxy{
			{Address: "hop1", Port: 1080, Kind: proxykind.SOCKS5},
		},
	}

	config := descriptor.EngineConfig{
		PerStepTimeout: 50 * time.Millisecond,
		TotalTimeout:   5 * time.Second,
		MaxRetries:     0,
	}
	engine := New(config, dialer, nil)
	tunnel, _, err := engine.BuildChain(context.Background(), chainDesc, "target.example", 443)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if tunnel != nil {
		t.Error("expected no tunnel on timeout")
	}
	var perr *proxyerr.Error
	if !goerrors.As(err, &perr) {
		t.Fatalf("expected a *proxyerr.Error, got %T", err)
	}
	if perr.Scope != proxyerr.ScopeStep {
		t.Errorf("Scope = %q, want %q (the 50ms per-step bound fired, not the 5s total budget)", perr.Scope, proxyerr.ScopeStep)
	}
}

// TestDeadlineMonotonicity is property 6: if per_step_timeout > total_timeout,
// the effective bound is total_timeout.
func TestDeadlineMonotonicity(t *testing.T) {
	config := descriptor.EngineConfig{
		PerStepTimeout: 10 * time.Second,
		TotalTimeout:   20 * time.Millisecond,
		MaxRetries:     0,
	}
	engine := New(config, &fixedStreamDialer{stream: transport.NewStallingScriptStream()}, nil)
	totalCtx, cancel := context.WithTimeout(context.Background(), config.TotalTimeout)
	defer cancel()

	start := time.Now()
	stepCtx, cancelStep := engine.stepContext(totalCtx)
	defer cancelStep()
	<-stepCtx.Done()
	elapsed := time.Since(start)
	if elapsed > 200*time.Millisecond {
		t.Errorf("step context took %v to expire, expected it bounded by the 20ms total timeout", elapsed)
	}
}

func TestCloseAllIdempotent(t *testing.T) {
	engine := New(testConfig(), &fixedStreamDialer{}, nil)
	if n := engine.CloseAll(); n != 0 {
		t.Errorf("CloseAll on an empty engine returned %d, want 0", n)
	}
	if n := engine.CloseAll(); n != 0 {
		t.Errorf("second CloseAll call returned %d, want 0", n)
	}
}

func TestValidateRejectsEmptyChain(t *testing.T) {
	engine := New(testConfig(), &fixedStreamDialer{}, nil)
	_, _, err := engine.BuildChain(context.Background(), descriptor.Chain{ID: "x"}, "target", 443)
	if proxyerr.KindOf(err) != proxyerr.KindConfig {
		t.Errorf("expected a ConfigError for an empty chain, got %v", err)
	}
}
