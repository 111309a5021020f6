package errors

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestErrorIsMatchesOnKind(t *testing.T) {
	a := NewConnectError("10.0.0.1:1080", nil)
	b := NewConnectError("10.0.0.2:1080", nil)
	if !errors.Is(a, &Error{Kind: KindConnect}) {
		t.Errorf("expected a to match a bare KindConnect sentinel")
	}
	if !a.Is(b) {
		t.Errorf("expected two ConnectErrors to match by kind")
	}
}

func TestWithStepPreservesOriginal(t *testing.T) {
	orig := NewNegotiationRejectedError("connect_reply", 0x05, "connection refused")
	stepped := orig.WithStep(3)
	if orig.StepIndex != 0 {
		t.Errorf("WithStep mutated the receiver; original StepIndex = %d, want 0", orig.StepIndex)
	}
	if stepped.StepIndex != 3 {
		t.Errorf("stepped.StepIndex = %d, want 3", stepped.StepIndex)
	}
	if stepped.Code != 0x05 {
		t.Errorf("stepped.Code = %d, want 5", stepped.Code)
	}
}

func TestNoConstructorAcceptsCredentials(t *testing.T) {
	// Every New*Error constructor's signature is fixed at compile time, so
	// this test exists to document the invariant: none of them ever embeds
	// a credential string into Message, hence Error() never leaks one.
	err := NewAuthFailedError("auth")
	if strings.Contains(err.Error(), "pass") {
		t.Errorf("error text unexpectedly mentions a credential: %s", err.Error())
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(NewTimeoutError(ScopeStep, "read_exact", time.Second)) {
		t.Errorf("expected a KindTimeout error to report IsTimeout")
	}
	if !IsTimeout(context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded to report IsTimeout")
	}
	if IsTimeout(NewIOError("read", nil)) {
		t.Errorf("expected an IO error not to report IsTimeout")
	}
}

func TestIsCancelled(t *testing.T) {
	if !IsCancelled(NewCancelledError("open")) {
		t.Errorf("expected a KindCancelled error to report IsCancelled")
	}
	if !IsCancelled(context.Canceled) {
		t.Errorf("expected context.Canceled to report IsCancelled")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(NewConfigError("bad")) != KindConfig {
		t.Errorf("KindOf mismatch for ConfigError")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Errorf("KindOf of a non-proxychain error should be empty")
	}
}
