package core

import (
	"errors"
	"fmt"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestErrorKindRetryable(t *testing.T) {
	retryable := []ErrorKind{
		ErrorKindContractTimeout,
		ErrorKindNetworkTimeout,
		ErrorKindCallFailed,
		ErrorKindExternalUnavailable,
		ErrorKindRegistryUnavailable,
		ErrorKindRateLimited,
		ErrorKindOverloaded,
		ErrorKindConcurrentUpdate,
	}
	for _, kind := range retryable {
		if !kind.Retryable() {
			t.Fatalf("expected %q to be retryable", kind)
		}
	}
	permanent := []ErrorKind{
		ErrorKindUnauthorized,
		ErrorKindBlacklisted,
		ErrorKindInsufficientReserves,
		ErrorKindParametersInvalid,
		ErrorKindAmbiguous,
		ErrorKindSystemHalted,
	}
	for _, kind := range permanent {
		if kind.Retryable() {
			t.Fatalf("expected %q to be permanent", kind)
		}
	}
}

func TestErrorKindHealthImpacting(t *testing.T) {
	if !ErrorKindContractTimeout.HealthImpacting() {
		t.Fatal("expected contract_timeout to count against breaker health")
	}
	if ErrorKindUnauthorized.HealthImpacting() {
		t.Fatal("authorization failures must not trip breakers")
	}
	if ErrorKindParametersInvalid.HealthImpacting() {
		t.Fatal("validation failures must not trip breakers")
	}
}

func TestNewErrorCarriesClassification(t *testing.T) {
	err := NewError(ErrorKindInsufficientReserves, "reserve check rejected withdrawal")
	if err.TextCode != CustodyErrorReserve {
		t.Fatalf("expected text code %q, got %q", CustodyErrorReserve, err.TextCode)
	}
	if got := KindOf(err); got != ErrorKindInsufficientReserves {
		t.Fatalf("expected kind round trip, got %q", got)
	}
	if err.Metadata[errorMetadataRetryableKey] != false {
		t.Fatalf("expected retryable=false metadata, got %v", err.Metadata[errorMetadataRetryableKey])
	}
}

func TestWrapErrorPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := WrapError(ErrorKindExternalUnavailable, cause, "registry lookup failed")
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to survive errors.Is")
	}
	if got := KindOf(err); got != ErrorKindExternalUnavailable {
		t.Fatalf("expected external_unavailable, got %q", got)
	}
}

func TestKindOfFallsBackToCategory(t *testing.T) {
	err := goerrors.New("nope", goerrors.CategoryAuth)
	if got := KindOf(err); got != ErrorKindUnauthorized {
		t.Fatalf("expected unauthorized from auth category, got %q", got)
	}
}

func TestKindOfClassifiesRawErrors(t *testing.T) {
	if got := KindOf(fmt.Errorf("rpc: context deadline exceeded")); got != ErrorKindNetworkTimeout {
		t.Fatalf("expected network_timeout, got %q", got)
	}
	if got := KindOf(errors.New("dial tcp 10.0.0.1: connection refused")); got != ErrorKindExternalUnavailable {
		t.Fatalf("expected external_unavailable, got %q", got)
	}
	if got := KindOf(errors.New("boom")); got != ErrorKindCallFailed {
		t.Fatalf("expected call_failed default, got %q", got)
	}
}

func TestMapErrorAssignsTextCode(t *testing.T) {
	mapped := MapError(errors.New("opaque downstream failure"))
	if mapped == nil {
		t.Fatal("expected envelope")
	}
	if mapped.TextCode == "" {
		t.Fatal("expected a text code on mapped errors")
	}
	if MapError(nil) != nil {
		t.Fatal("expected nil passthrough")
	}
}

func TestSeverityRanking(t *testing.T) {
	if got := ErrorKindAmbiguous.Severity(); got != SeverityCritical {
		t.Fatalf("expected ambiguous to be critical, got %q", got)
	}
	if got := ErrorKindNetworkTimeout.Severity(); got != SeverityMedium {
		t.Fatalf("expected network_timeout to be medium, got %q", got)
	}
	if got := ErrorKindParametersInvalid.Severity(); got != SeverityLow {
		t.Fatalf("expected parameters_invalid to be low, got %q", got)
	}
}
