package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Upstream("llm provider unavailable", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to see through Unwrap to the cause")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestErrorWithoutCauseOmitsTrailingColon(t *testing.T) {
	err := NotFound("conversation not found", nil)
	want := fmt.Sprintf("%s: %s", KindNotFound, "conversation not found")
	if err.Error() != want {
		t.Fatalf("got=%q want=%q", err.Error(), want)
	}
}

func TestAsExtractsWrappedError(t *testing.T) {
	inner := Validation("missing field", nil)
	wrapped := fmt.Errorf("request failed: %w", inner)

	found, ok := As(wrapped)
	if !ok {
		t.Fatalf("expected As to find the wrapped *Error")
	}
	if found.Kind != KindValidation {
		t.Fatalf("got kind=%s want=%s", found.Kind, KindValidation)
	}
}

func TestKindOfDefaultsToInternalForPlainErrors(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("got=%s want=%s for a plain error", got, KindInternal)
	}
	if got := KindOf(Permission("no access", nil)); got != KindPermission {
		t.Fatalf("got=%s want=%s", got, KindPermission)
	}
}
