// Package constants defines default timeouts and limits shared across
// proxychain's packages.
package constants

import "time"

// Deadlines. PerStepTimeout bounds a single hop's negotiation; TotalTimeout
// bounds the whole chain build. The effective deadline for any given step is
// the earlier of the two, per the orchestrator's deadline-racing rule.
const (
	DefaultPerStepTimeout = 30 * time.Second
	DefaultTotalTimeout   = 120 * time.Second
)

// Retry policy. Backoff after failed attempt N (1-based), before the next
// attempt, is N * RetryBackoffUnit.
const (
	DefaultMaxRetries = 2
	RetryBackoffUnit  = 1 * time.Second
)

// Wire limits.
const (
	// MaxDomainNameLength is the largest domain name a SOCKS5 address field
	// can carry (1-byte length prefix).
	MaxDomainNameLength = 255

	// MaxStatusLineLength bounds a single CRLF-terminated line read from an
	// HTTP CONNECT response, guarding against a misbehaving proxy that never
	// sends a terminator.
	MaxStatusLineLength = 8 * 1024

	// MaxHeaderBlockLines bounds the number of header lines read before the
	// blank line that ends an HTTP CONNECT response.
	MaxHeaderBlockLines = 256
)

// DefaultUserAgent is the fixed User-Agent sent on every HTTP CONNECT
// request.
const DefaultUserAgent = "proxychain/1"
