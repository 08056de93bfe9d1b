package merr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsUnwrapsWrappedError(t *testing.T) {
	base := New(NotFound, "camera %q", "front-door")
	wrapped := fmt.Errorf("listing cameras: %w", base)

	if !Is(wrapped, NotFound) {
		t.Error("Is(wrapped, NotFound) = false, want true")
	}
	if Is(wrapped, Internal) {
		t.Error("Is(wrapped, Internal) = true, want false")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(DataLoss, cause, "flushing stream %d", 7)

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if err.Code != DataLoss {
		t.Errorf("Code = %v, want DataLoss", err.Code)
	}
}

func TestCodeStringIsStable(t *testing.T) {
	cases := map[Code]string{
		NotFound:           "not_found",
		InvalidArgument:    "invalid_argument",
		FailedPrecondition: "failed_precondition",
		OutOfRange:         "out_of_range",
		Internal:           "internal",
		DataLoss:           "data_loss",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("Code(%d).String() = %q, want %q", code, got, want)
		}
	}
}
