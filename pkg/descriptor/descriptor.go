// Package descriptor holds the plain data types exchanged with the chain
// orchestrator: proxy and chain descriptors, engine configuration, and the
// step/report types the orchestrator produces.
package descriptor

import (
	"time"

	"github.com/lqvpl/proxychain/pkg/constants"
	"github.com/lqvpl/proxychain/pkg/proxykind"
)

// Proxy describes one hop. Password is ignored when Kind is SOCKS4 —
// Username carries the SOCKS4 user-ID in that case. Username/Password are
// tagged json:"-": a Proxy only ever reaches encoding/json by riding along
// inside a StepRecord in a ConnectionReport (e.g. cmd/proxychain's printed
// report), and credentials must never appear in that rendered output any
// more than they may appear in an error's Display text (spec §9).
type Proxy struct {
	Address  string
	Port     int
	Kind     proxykind.Kind
	Username string `json:"-"`
	Password string `json:"-"`
}

// HasCredentials reports whether either field was supplied, which is what
// drives SOCKS5's greeting method offer and the HTTP CONNECT client's
// decision to send Proxy-Authorization.
func (p Proxy) HasCredentials() bool {
	return p.Username != "" || p.Password != ""
}

// Chain is an ordered sequence of hops. Proxies[0] is reached directly;
// Proxies[len-1] is the hop that connects to the ultimate target.
type Chain struct {
	ID      string
	Name    string
	Proxies []Proxy
}

// EngineConfig is immutable after construction and shared read-only by all
// concurrent BuildChain calls on one Engine.
type EngineConfig struct {
	PerStepTimeout time.Duration
	TotalTimeout   time.Duration
	MaxRetries     int
	LoggingEnabled bool
}

// DefaultEngineConfig returns spec §3's defaults: a 30s per-step timeout, a
// 120s total timeout, 2 retries for opening the first hop, logging off.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PerStepTimeout: constants.DefaultPerStepTimeout,
		TotalTimeout:   constants.DefaultTotalTimeout,
		MaxRetries:     constants.DefaultMaxRetries,
		LoggingEnabled: false,
	}
}

// StepKind classifies a step record.
type StepKind string

const (
	StepDirectOpen    StepKind = "direct_open"
	StepProxyToProxy  StepKind = "proxy_to_proxy"
	StepProxyToTarget StepKind = "proxy_to_target"
)

// StepRecord is appended by the orchestrator, in order, once per hop (plus
// one leading direct_open record).
type StepRecord struct {
	Index        int
	Kind         StepKind
	Proxy        Proxy // credential fields are present in memory but never logged or rendered
	NextEndpoint string // host:port the hop was asked to reach; empty for direct_open
	Outcome      string // "ok" or "error:<reason>"
	Timestamp    time.Time
	DurationMs   int64
}

// ConnectionReport summarizes one BuildChain call, success or failure.
type ConnectionReport struct {
	ChainID     string
	ChainName   string
	TargetHost  string
	TargetPort  int
	Steps       []StepRecord
	StartTime   time.Time
	DurationMs  int64
	TraceID     string

	// Populated on success.
	BindAddress string
	BindPort    int

	// Populated on failure.
	ErrorMessage string
	FailedStep   int
}
