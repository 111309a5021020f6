// Package chain implements the orchestrator: it opens a transport to the
// first hop, then drives each hop's protocol client over that one stream in
// order, enforcing per-step and total deadlines, a retry budget for the
// initial connect, guaranteed cleanup on failure, and structured step
// logging. Grounded on the teacher's connection-pool bookkeeping (mutex +
// map of live connections) and its per-operation structured-error shape,
// adapted from per-host pooling to a flat bulk-close-only live-tunnel set.
package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lqvpl/proxychain/pkg/constants"
	"github.com/lqvpl/proxychain/pkg/descriptor"
	proxyerr "github.com/lqvpl/proxychain/pkg/errors"
	"github.com/lqvpl/proxychain/pkg/httpconnect"
	"github.com/lqvpl/proxychain/pkg/proxykind"
	"github.com/lqvpl/proxychain/pkg/socks4"
	"github.com/lqvpl/proxychain/pkg/socks5"
	"github.com/lqvpl/proxychain/pkg/timing"
	"github.com/lqvpl/proxychain/pkg/transport"
)

// Engine builds chains against one Dialer under one immutable config.
type Engine struct {
	config descriptor.EngineConfig
	dialer transport.Dialer
	logger *zap.Logger

	mu   sync.Mutex
	live map[transport.Stream]struct{}
}

// New constructs an Engine. logger may be nil; it is only consulted when
// config.LoggingEnabled is true.
func New(config descriptor.EngineConfig, dialer transport.Dialer, logger *zap.Logger) *Engine {
	return &Engine{
		config: config,
		dialer: dialer,
		logger: logger,
		live:   make(map[transport.Stream]struct{}),
	}
}

// Stats is the snapshot returned by Stats().
type Stats struct {
	LiveTunnelCount int
	Config          descriptor.EngineConfig
}

// Stats returns the current live-tunnel count and the engine's immutable
// configuration.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{LiveTunnelCount: len(e.live), Config: e.config}
}

// CloseAll closes every tunnel still tracked in the live set and empties
// it, returning the number closed. Safe to call repeatedly.
func (e *Engine) CloseAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for s := range e.live {
		s.Close()
		delete(e.live, s)
		n++
	}
	return n
}

// BuildChain negotiates every hop in chain.Proxies in order and returns the
// live tunnel plus a connection report. A chain or target that fails
// validation is returned with an empty report; on any later failure the
// transport is closed before returning and the report's
// FailedStep/ErrorMessage are set.
func (e *Engine) BuildChain(ctx context.Context, chainDesc descriptor.Chain, targetHost string, targetPort int) (transport.Stream, descriptor.ConnectionReport, error) {
	if err := validate(chainDesc, targetHost, targetPort); err != nil {
		return nil, descriptor.ConnectionReport{}, err
	}

	traceID := uuid.NewString()
	startTime := time.Now()
	report := descriptor.ConnectionReport{
		ChainID:    chainDesc.ID,
		ChainName:  chainDesc.Name,
		TargetHost: targetHost,
		TargetPort: targetPort,
		StartTime:  startTime,
		TraceID:    traceID,
	}

	totalCtx, cancelTotal := context.WithTimeout(ctx, e.config.TotalTimeout)
	defer cancelTotal()

	proxies := chainDesc.Proxies
	first := proxies[0]

	openTimer := timing.NewTimer()
	stream, err := e.openFirstHop(totalCtx, chainDesc.ID, traceID, first)
	if err != nil {
		report.DurationMs = time.Since(startTime).Milliseconds()
		report.FailedStep = 1
		report.ErrorMessage = err.Error()
		return nil, report, err
	}
	report.Steps = append(report.Steps, descriptor.StepRecord{
		Index:      1,
		Kind:       descriptor.StepDirectOpen,
		Proxy:      first,
		Outcome:    "ok",
		Timestamp:  time.Now(),
		DurationMs: openTimer.ElapsedMs(),
	})

	n := len(proxies)
	for i := 0; i < n; i++ {
		stepIndex := i + 2 // step 1 was direct_open
		var next string
		var nextHost string
		var nextPort int
		kind := descriptor.StepProxyToProxy
		if i == n-1 {
			nextHost, nextPort = targetHost, targetPort
			kind = descriptor.StepProxyToTarget
		} else {
			nextHost, nextPort = proxies[i+1].Address, proxies[i+1].Port
		}
		next = fmt.Sprintf("%s:%d", nextHost, nextPort)

		stepCtx, cancelStep := e.stepContext(totalCtx)
		timer := timing.NewTimer()
		bindAddr, bindPort, negErr := negotiate(stepCtx, stream, proxies[i], nextHost, nextPort)
		duration := timer.ElapsedMs()
		cancelStep()
		negErr = e.classifyTimeout(negErr, totalCtx, "negotiate")

		if negErr != nil {
			wrapped := attachStep(negErr, stepIndex)
			e.logStep(chainDesc.ID, traceID, stepIndex, kind, proxies[i], "error", duration)
			stream.Close()

			report.Steps = append(report.Steps, descriptor.StepRecord{
				Index:        stepIndex,
				Kind:         kind,
				Proxy:        proxies[i],
				NextEndpoint: next,
				Outcome:      "error:" + wrapped.Error(),
				Timestamp:    time.Now(),
				DurationMs:   duration,
			})
			report.DurationMs = time.Since(startTime).Milliseconds()
			report.FailedStep = stepIndex
			report.ErrorMessage = wrapped.Error()
			return nil, report, wrapped
		}

		e.logStep(chainDesc.ID, traceID, stepIndex, kind, proxies[i], "ok", duration)
		report.Steps = append(report.Steps, descriptor.StepRecord{
			Index:        stepIndex,
			Kind:         kind,
			Proxy:        proxies[i],
			NextEndpoint: next,
			Outcome:      "ok",
			Timestamp:    time.Now(),
			DurationMs:   duration,
		})
		if i == n-1 {
			report.BindAddress = bindAddr
			report.BindPort = bindPort
		}
	}

	e.track(stream)
	report.DurationMs = time.Since(startTime).Milliseconds()
	return stream, report, nil
}

func validate(chainDesc descriptor.Chain, host string, port int) error {
	if len(chainDesc.Proxies) == 0 {
		return proxyerr.NewConfigError("chain must contain at least one proxy")
	}
	if host == "" {
		return proxyerr.NewConfigError("target host must not be empty")
	}
	if port < 1 || port > 65535 {
		return proxyerr.NewConfigError("target port must be in range 1..65535")
	}
	for i, p := range chainDesc.Proxies {
		if p.Address == "" {
			return proxyerr.NewConfigError(fmt.Sprintf("proxy %d: address must not be empty", i+1))
		}
		if p.Port < 1 || p.Port > 65535 {
			return proxyerr.NewConfigError(fmt.Sprintf("proxy %d: port must be in range 1..65535", i+1))
		}
		if p.Kind == proxykind.Unknown {
			return proxyerr.NewConfigError(fmt.Sprintf("proxy %d: unknown proxy kind", i+1))
		}
	}
	return nil
}

// stepContext bounds a single negotiate attempt by the lesser of the
// per-step timeout and whatever remains of the total deadline.
func (e *Engine) stepContext(totalCtx context.Context) (context.Context, context.CancelFunc) {
	remaining := time.Duration(-1)
	if dl, ok := totalCtx.Deadline(); ok {
		remaining = time.Until(dl)
	}
	bound := e.config.PerStepTimeout
	if remaining >= 0 && remaining < bound {
		bound = remaining
	}
	return context.WithTimeout(totalCtx, bound)
}

// classifyTimeout re-tags a timeout error with the deadline that actually
// fired (spec §4.5/§7: "whichever fires first fails the operation with
// Timeout(scope)"). A child stepContext always reports itself Done once its
// parent totalCtx expires, so the stream backings (which only see
// stepContext) can't tell step and total apart and default to ScopeStep;
// here, where both contexts are in scope, totalCtx.Err() is the tie-breaker.
func (e *Engine) classifyTimeout(err error, totalCtx context.Context, op string) error {
	if err == nil || !proxyerr.IsTimeout(err) {
		return err
	}
	if totalCtx.Err() == context.DeadlineExceeded {
		return proxyerr.NewTimeoutError(proxyerr.ScopeTotal, op, e.config.TotalTimeout)
	}
	return err
}

// openFirstHop opens the transport to hop 1, making up to 1+MaxRetries
// attempts with linear backoff between them. A retry here is sound: no
// protocol bytes have been exchanged yet, so there is nothing to "un-read".
// Hop negotiation below is never retried on the same stream, per the
// skip-retry policy spec §4.5 fixes as the default (option (b)): by the
// time a negotiate attempt can fail, it has already written its opening
// protocol bytes, so the stream can no longer be trusted for a second try.
func (e *Engine) openFirstHop(ctx context.Context, chainID, traceID string, first descriptor.Proxy) (transport.Stream, error) {
	var lastErr error
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		stepCtx, cancel := e.stepContext(ctx)
		timer := timing.NewTimer()
		stream, err := e.dialer.Open(stepCtx, first.Address, first.Port)
		duration := timer.ElapsedMs()
		cancel()
		if err == nil {
			e.logStep(chainID, traceID, 1, descriptor.StepDirectOpen, first, "ok", duration)
			return stream, nil
		}
		err = e.classifyTimeout(err, ctx, "open")
		lastErr = attachStep(err, 1)
		e.logStep(chainID, traceID, 1, descriptor.StepDirectOpen, first, "error", duration)
		if attempt < e.config.MaxRetries {
			select {
			case <-time.After(time.Duration(attempt+1) * constants.RetryBackoffUnit):
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return nil, attachStep(proxyerr.NewTimeoutError(proxyerr.ScopeTotal, "open", e.config.TotalTimeout), 1)
				}
				return nil, attachStep(proxyerr.NewCancelledError("open"), 1)
			}
		}
	}
	return nil, lastErr
}

// negotiate dispatches to the protocol client named by proxy.Kind. This is
// the one place that picks a negotiator from the closed ProxyKind variant
// (spec §9 "dynamic dispatch on protocol kind"). The returned bind
// address/port is only meaningful for the last hop's report (spec §3
// "Connection report"); HTTP CONNECT has no such echo and returns "", 0.
func negotiate(ctx context.Context, stream transport.Stream, proxy descriptor.Proxy, nextHost string, nextPort int) (string, int, error) {
	switch proxy.Kind {
	case proxykind.SOCKS5:
		res, err := socks5.Negotiate(ctx, stream, nextHost, nextPort, proxy.Username, proxy.Password)
		return res.BindAddress, res.BindPort, err
	case proxykind.SOCKS4:
		res, err := socks4.Negotiate(ctx, stream, nextHost, nextPort, proxy.Username)
		return res.BindAddress, res.BindPort, err
	case proxykind.HTTP:
		_, err := httpconnect.Negotiate(ctx, stream, nextHost, nextPort, proxy.Username, proxy.Password)
		return "", 0, err
	default:
		return "", 0, proxyerr.NewConfigError("unknown proxy kind")
	}
}

func attachStep(err error, stepIndex int) error {
	if pe, ok := err.(*proxyerr.Error); ok {
		return pe.WithStep(stepIndex)
	}
	return err
}

func (e *Engine) track(s transport.Stream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live[s] = struct{}{}
}

func (e *Engine) logStep(chainID, traceID string, stepIndex int, kind descriptor.StepKind, proxy descriptor.Proxy, outcome string, durationMs int64) {
	if !e.config.LoggingEnabled || e.logger == nil {
		return
	}
	e.logger.Info("chain step",
		zap.String("trace_id", traceID),
		zap.String("chain_id", chainID),
		zap.Int("step_index", stepIndex),
		zap.String("step_kind", string(kind)),
		zap.String("proxy_addr", fmt.Sprintf("%s:%d", proxy.Address, proxy.Port)),
		zap.String("outcome", outcome),
		zap.Int64("duration_ms", durationMs),
	)
}
