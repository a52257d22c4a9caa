package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"permission denied by user", KindPermissionDenied},
		{"video device not found", KindDeviceNotFound},
		{"no such device", KindDeviceNotFound},
		{"device busy", KindDeviceBusy},
		{"device already in use", KindDeviceBusy},
		{"overconstrained: no matching format", KindOverconstrained},
		{"failed to find the best driver that fits the constraints", KindOverconstrained},
		{"invalid constraint width", KindInvalidConstraint},
		{"capture aborted", KindHardwareAbort},
		{"camera disabled by policy", KindSecurityDisabled},
		{"operation timed out", KindTimeout},
		{"something odd happened", KindUnknown},
	}
	for _, c := range cases {
		if got := Classify(errors.New(c.msg)).Kind; got != c.want {
			t.Errorf("Classify(%q).Kind = %q, want %q", c.msg, got, c.want)
		}
	}
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	err := fmt.Errorf("acquiring media: %w", context.DeadlineExceeded)
	if got := Classify(err).Kind; got != KindTimeout {
		t.Fatalf("deadline exceeded classified as %q", got)
	}
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := &Error{Kind: KindDeviceBusy, Err: errors.New("device busy")}
	wrapped := fmt.Errorf("attempt 2: %w", orig)
	if got := Classify(wrapped); got != orig {
		t.Fatal("already classified error was reclassified")
	}
}

func TestRetryableClasses(t *testing.T) {
	wantRetry := map[Kind]bool{
		KindPermissionDenied:  false,
		KindDeviceNotFound:    false,
		KindDeviceBusy:        true,
		KindOverconstrained:   false,
		KindHardwareAbort:     true,
		KindSecurityDisabled:  false,
		KindInvalidConstraint: false,
		KindTimeout:           true,
		KindUnknown:           true,
	}
	for kind, want := range wantRetry {
		e := &Error{Kind: kind, Err: errors.New("x")}
		if e.Retryable() != want {
			t.Errorf("Retryable(%q) = %v, want %v", kind, e.Retryable(), want)
		}
	}
}

func TestErrorMessageCarriesKind(t *testing.T) {
	e := &Error{Kind: KindPermissionDenied, Err: errors.New("denied")}
	if !strings.Contains(e.Error(), string(KindPermissionDenied)) {
		t.Fatalf("kind missing from message: %q", e.Error())
	}
}

func TestEveryKindHasUserMessage(t *testing.T) {
	kinds := []Kind{
		KindPermissionDenied, KindDeviceNotFound, KindDeviceBusy,
		KindOverconstrained, KindHardwareAbort, KindSecurityDisabled,
		KindInvalidConstraint, KindTimeout, KindUnknown,
	}
	for _, k := range kinds {
		e := &Error{Kind: k, Err: errors.New("x")}
		if e.UserMessage() == "" {
			t.Errorf("no user message for %q", k)
		}
	}
}
